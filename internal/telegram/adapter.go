// Package telegram adapts the bridge to the Telegram Bot API.
//
// The bot library predates forum topics, so every topic-aware call goes
// through MakeRequest with explicit parameters, and the adapter runs its
// own getUpdates loop to see message_thread_id on incoming messages.
package telegram

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// maxMessageLen is Telegram's hard limit per message, minus headroom for
// formatting the adapter may add around the text.
const maxMessageLen = 4000

// TopicColors are the icon colors Telegram accepts for createForumTopic.
var TopicColors = []int{0x6FB9F0, 0xFFD67E, 0xCB86DB, 0x8EEE98, 0xFF93B2, 0xFB6F5F}

// Button is one inline keyboard button carrying callback data.
type Button struct {
	Text string
	Data string
}

// Incoming is a chat message delivered to the bridge.
type Incoming struct {
	MessageID int64
	ThreadID  int64 // 0 when the message is outside any topic
	From      string
	Text      string
}

// Callback is an inline button press.
type Callback struct {
	ID        string
	MessageID int64
	ThreadID  int64
	From      string
	Data      string
}

// MessageHandler receives chat messages addressed to the supergroup.
type MessageHandler func(msg Incoming)

// CallbackHandler receives button presses.
type CallbackHandler func(cb Callback)

// Adapter wraps one bot talking to one forum supergroup.
type Adapter struct {
	chatID int64
	logger *log.Logger

	// call issues a raw Bot API request. Overridden in tests.
	call func(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)

	onMessage  MessageHandler
	onCallback CallbackHandler

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New authenticates the bot. The chat must be a forum supergroup the bot
// can manage topics in.
func New(token string, chatID int64, logger *log.Logger) (*Adapter, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("authenticating bot: %w", err)
	}
	logger.Printf("telegram bot authorized as @%s", api.Self.UserName)

	return &Adapter{
		chatID: chatID,
		logger: logger,
		call:   api.MakeRequest,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Start begins the long-poll loop. Handlers run on the poll goroutine;
// they hand off to the bridge's own dispatch.
func (a *Adapter) Start(onMessage MessageHandler, onCallback CallbackHandler) {
	a.onMessage = onMessage
	a.onCallback = onCallback
	go a.pollLoop()
}

// Stop ends the poll loop and waits for it to exit.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	<-a.done
}

// Send posts text into a topic. threadID 0 posts to the general thread.
// Markdown is attempted first; on a parse rejection the same text is
// resent plain so a formatting bug never loses a message. Returns the
// message id.
func (a *Adapter) Send(threadID int64, text string, buttons [][]Button) (int64, error) {
	if len(text) > maxMessageLen {
		cut := maxMessageLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "\n[truncated]"
	}

	params := tgbotapi.Params{
		"chat_id":    strconv.FormatInt(a.chatID, 10),
		"text":       text,
		"parse_mode": "Markdown",
	}
	if threadID != 0 {
		params["message_thread_id"] = strconv.FormatInt(threadID, 10)
	}
	if len(buttons) > 0 {
		markup, err := keyboardJSON(buttons)
		if err != nil {
			return 0, err
		}
		params["reply_markup"] = markup
	}

	resp, err := a.call("sendMessage", params)
	if err != nil && isParseError(err) {
		a.logger.Printf("markdown rejected, resending plain: %v", err)
		delete(params, "parse_mode")
		resp, err = a.call("sendMessage", params)
	}
	if err != nil {
		return 0, fmt.Errorf("sending message: %w", err)
	}

	var sent struct {
		MessageID int64 `json:"message_id"`
	}
	if err := json.Unmarshal(resp.Result, &sent); err != nil {
		return 0, fmt.Errorf("decoding sendMessage result: %w", err)
	}
	return sent.MessageID, nil
}

// CreateTopic creates a forum topic and returns its thread id.
func (a *Adapter) CreateTopic(name string, iconColor int) (int64, error) {
	if len(name) > 128 {
		name = name[:128]
	}
	resp, err := a.call("createForumTopic", tgbotapi.Params{
		"chat_id":    strconv.FormatInt(a.chatID, 10),
		"name":       name,
		"icon_color": strconv.Itoa(iconColor),
	})
	if err != nil {
		return 0, fmt.Errorf("creating topic %q: %w", name, err)
	}

	var topic struct {
		ThreadID int64 `json:"message_thread_id"`
	}
	if err := json.Unmarshal(resp.Result, &topic); err != nil {
		return 0, fmt.Errorf("decoding createForumTopic result: %w", err)
	}
	return topic.ThreadID, nil
}

// CloseTopic closes a topic. Best effort: a missing or already-closed
// topic is not an error worth surfacing.
func (a *Adapter) CloseTopic(threadID int64) error {
	_, err := a.call("closeForumTopic", tgbotapi.Params{
		"chat_id":           strconv.FormatInt(a.chatID, 10),
		"message_thread_id": strconv.FormatInt(threadID, 10),
	})
	if err != nil {
		return fmt.Errorf("closing topic %d: %w", threadID, err)
	}
	return nil
}

// ReopenTopic reopens a closed topic. Used on session reactivation;
// Telegram rejects sends into a closed topic.
func (a *Adapter) ReopenTopic(threadID int64) error {
	_, err := a.call("reopenForumTopic", tgbotapi.Params{
		"chat_id":           strconv.FormatInt(a.chatID, 10),
		"message_thread_id": strconv.FormatInt(threadID, 10),
	})
	if err != nil {
		return fmt.Errorf("reopening topic %d: %w", threadID, err)
	}
	return nil
}

// RemoveButtons strips the inline keyboard from a sent message, used when
// an approval expires or resolves.
func (a *Adapter) RemoveButtons(messageID int64) error {
	_, err := a.call("editMessageReplyMarkup", tgbotapi.Params{
		"chat_id":      strconv.FormatInt(a.chatID, 10),
		"message_id":   strconv.FormatInt(messageID, 10),
		"reply_markup": `{"inline_keyboard":[]}`,
	})
	if err != nil {
		return fmt.Errorf("removing buttons from %d: %w", messageID, err)
	}
	return nil
}

// AnswerCallback acknowledges a button press so the client stops its
// spinner. Text, when set, shows as a toast.
func (a *Adapter) AnswerCallback(callbackID, text string) error {
	params := tgbotapi.Params{"callback_query_id": callbackID}
	if text != "" {
		params["text"] = text
	}
	_, err := a.call("answerCallbackQuery", params)
	if err != nil {
		return fmt.Errorf("answering callback: %w", err)
	}
	return nil
}

// update mirrors the Bot API Update object with the thread fields the
// library's types lack.
type update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *message       `json:"message"`
	CallbackQuery *callbackQuery `json:"callback_query"`
}

type message struct {
	MessageID int64 `json:"message_id"`
	ThreadID  int64 `json:"message_thread_id"`
	From      *user `json:"from"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
	Text string `json:"text"`
}

type callbackQuery struct {
	ID      string   `json:"id"`
	From    *user    `json:"from"`
	Data    string   `json:"data"`
	Message *message `json:"message"`
}

type user struct {
	UserName  string `json:"username"`
	FirstName string `json:"first_name"`
}

func (a *Adapter) pollLoop() {
	defer close(a.done)

	var offset int64
	for {
		select {
		case <-a.stop:
			return
		default:
		}

		// The poll runs in its own goroutine so Stop is not held up for the
		// remainder of the long-poll window; an abandoned poll finishes into
		// the buffered channel and is discarded.
		type pollResult struct {
			resp *tgbotapi.APIResponse
			err  error
		}
		polled := make(chan pollResult, 1)
		go func() {
			resp, err := a.call("getUpdates", tgbotapi.Params{
				"offset":          strconv.FormatInt(offset, 10),
				"timeout":         "30",
				"allowed_updates": `["message","callback_query"]`,
			})
			polled <- pollResult{resp, err}
		}()

		var resp *tgbotapi.APIResponse
		var err error
		select {
		case <-a.stop:
			return
		case r := <-polled:
			resp, err = r.resp, r.err
		}
		if err != nil {
			a.logger.Printf("getUpdates failed, retrying: %v", err)
			select {
			case <-a.stop:
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}

		var updates []update
		if err := json.Unmarshal(resp.Result, &updates); err != nil {
			a.logger.Printf("decoding updates: %v", err)
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			a.dispatch(u)
		}
	}
}

func (a *Adapter) dispatch(u update) {
	switch {
	case u.Message != nil:
		if u.Message.Chat.ID != a.chatID {
			return
		}
		if a.onMessage != nil {
			a.onMessage(Incoming{
				MessageID: u.Message.MessageID,
				ThreadID:  u.Message.ThreadID,
				From:      senderName(u.Message.From),
				Text:      u.Message.Text,
			})
		}
	case u.CallbackQuery != nil:
		if a.onCallback == nil {
			return
		}
		cb := Callback{
			ID:   u.CallbackQuery.ID,
			From: senderName(u.CallbackQuery.From),
			Data: u.CallbackQuery.Data,
		}
		if u.CallbackQuery.Message != nil {
			cb.MessageID = u.CallbackQuery.Message.MessageID
			cb.ThreadID = u.CallbackQuery.Message.ThreadID
		}
		a.onCallback(cb)
	}
}

func senderName(from *user) string {
	if from == nil {
		return ""
	}
	if from.UserName != "" {
		return from.UserName
	}
	return from.FirstName
}

// keyboardJSON renders button rows as an InlineKeyboardMarkup document.
func keyboardJSON(rows [][]Button) (string, error) {
	type button struct {
		Text string `json:"text"`
		Data string `json:"callback_data"`
	}
	keyboard := make([][]button, len(rows))
	for i, row := range rows {
		keyboard[i] = make([]button, len(row))
		for j, b := range row {
			keyboard[i][j] = button{Text: b.Text, Data: b.Data}
		}
	}
	out, err := json.Marshal(map[string]any{"inline_keyboard": keyboard})
	if err != nil {
		return "", fmt.Errorf("encoding keyboard: %w", err)
	}
	return string(out), nil
}

// isParseError reports whether a Bot API error is a markdown parse
// rejection rather than a transport or permission failure.
func isParseError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "can't parse entities") ||
		strings.Contains(msg, "can't parse message text")
}

// Escape escapes the characters Telegram's legacy Markdown mode treats
// as formatting, for interpolating untrusted text into styled messages.
func Escape(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"`", "\\`",
		"[", "\\[",
	)
	return replacer.Replace(s)
}
