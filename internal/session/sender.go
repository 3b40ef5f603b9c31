package session

import (
	"bytes"
	"errors"

	tele "gopkg.in/telebot.v4"

	. "github.com/denvoros/aurabot/internal/logging"
)

// errNoStream is returned when a send races a stream restart with no
// replacement up yet. Callers treat it like any transient send failure.
var errNoStream = errors.New("no active stream")

func (s *Supervisor) liveBot() (*tele.Bot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bot == nil {
		return nil, errNoStream
	}
	return s.bot, nil
}

// SendText delivers a text message with an optional quick-reply keyboard.
// Sent as HTML first; Telegram rejects replies where the model emitted
// unbalanced tags, so retry those as plain text.
func (s *Supervisor) SendText(userID int64, text string, keyboard []string) error {
	b, err := s.liveBot()
	if err != nil {
		return err
	}

	opts := &tele.SendOptions{ParseMode: tele.ModeHTML, ReplyMarkup: replyKeyboard(keyboard)}
	_, err = b.Send(&tele.Chat{ID: userID}, text, opts)
	if err != nil {
		L_debug("session: html send rejected, retrying plain", "user", userID, "error", err)
		opts.ParseMode = ""
		_, err = b.Send(&tele.Chat{ID: userID}, text, opts)
	}
	return err
}

// SendPhoto delivers a rendered image with a caption.
func (s *Supervisor) SendPhoto(userID int64, image []byte, caption string, keyboard []string) error {
	b, err := s.liveBot()
	if err != nil {
		return err
	}

	photo := &tele.Photo{File: tele.FromReader(bytes.NewReader(image)), Caption: caption}
	_, err = b.Send(&tele.Chat{ID: userID}, photo, &tele.SendOptions{ReplyMarkup: replyKeyboard(keyboard)})
	return err
}

// Typing shows the typing indicator while a reply is being generated.
func (s *Supervisor) Typing(userID int64) error {
	b, err := s.liveBot()
	if err != nil {
		return err
	}
	return b.Notify(&tele.Chat{ID: userID}, tele.Typing)
}

// Alert sends an operator notification to the admin chat. No-op when no admin
// chat is configured.
func (s *Supervisor) Alert(text string) error {
	if s.cfg.AdminChatID == 0 {
		return nil
	}
	b, err := s.liveBot()
	if err != nil {
		return err
	}
	_, err = b.Send(&tele.Chat{ID: s.cfg.AdminChatID}, text)
	return err
}

// replyKeyboard lays out button labels two per row.
func replyKeyboard(labels []string) *tele.ReplyMarkup {
	if len(labels) == 0 {
		return nil
	}
	mk := &tele.ReplyMarkup{ResizeKeyboard: true}
	var rows []tele.Row
	for i := 0; i < len(labels); i += 2 {
		if i+1 < len(labels) {
			rows = append(rows, mk.Row(mk.Text(labels[i]), mk.Text(labels[i+1])))
		} else {
			rows = append(rows, mk.Row(mk.Text(labels[i])))
		}
	}
	mk.Reply(rows...)
	return mk
}
