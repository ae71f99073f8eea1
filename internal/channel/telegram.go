package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"relaybot/internal/domain"
)

const (
	telegramPollTimeout = 30 // server-side long-poll wait, seconds
	telegramRetryDelay  = 5 * time.Second
	telegramFileScheme  = "tg-file://"
)

// errTelegramConflict marks a 409 from getUpdates: another process is
// polling the same bot token. Retrying guarantees another 409, so the
// poll loop treats it as terminal.
var errTelegramConflict = errors.New("telegram: conflict: another getUpdates consumer is active")

// Telegram implements domain.Adapter against the Telegram Bot API using a
// single long-polling loop. Sends and downloads are independent requests
// that never block the loop.
type Telegram struct {
	emitter

	accountID string
	logger    *slog.Logger
	store     domain.StateStore // may be nil
	client    *http.Client

	// overridable for tests; defaults are the public Bot API endpoints
	apiEndpoint  string
	fileEndpoint string
	retryDelay   time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	token  string
	bot    *tgbotapi.BotAPI

	botUsername  string
	allowFrom    map[string]bool // empty means everyone
	lastUpdateID int64           // owned by the poll loop after Connect
}

// NewTelegram creates a disconnected Telegram adapter for one bot account.
// store may be nil; then the poll cursor does not survive restarts.
func NewTelegram(accountID string, store domain.StateStore, logger *slog.Logger) *Telegram {
	t := &Telegram{
		accountID:    accountID,
		store:        store,
		logger:       logger.With("channel", "telegram", "account", accountID),
		client:       &http.Client{Timeout: 60 * time.Second},
		apiEndpoint:  tgbotapi.APIEndpoint,
		fileEndpoint: tgbotapi.FileEndpoint,
		retryDelay:   telegramRetryDelay,
	}
	t.emitter.init()
	return t
}

func (t *Telegram) Type() domain.ChannelType { return domain.ChannelTelegram }
func (t *Telegram) AccountID() string        { return t.accountID }

// Connect validates the bot token via getMe and starts the polling loop.
func (t *Telegram) Connect(ctx context.Context, cfg domain.ChannelConfig) error {
	token := cfg.Credential("botToken")
	if token == "" {
		t.setStatus(domain.StatusError)
		return fmt.Errorf("telegram: missing credential botToken")
	}

	t.setStatus(domain.StatusConnecting)

	bot, err := tgbotapi.NewBotAPIWithClient(token, t.apiEndpoint, t.client)
	if err != nil {
		t.setStatus(domain.StatusError)
		return fmt.Errorf("telegram: getMe: %w", err)
	}

	t.mu.Lock()
	if t.cancel != nil {
		t.mu.Unlock()
		return fmt.Errorf("telegram: already connected")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.token = token
	t.bot = bot
	t.botUsername = bot.Self.UserName
	t.allowFrom = map[string]bool{}
	for _, entry := range cfg.SettingStringList("allowFrom") {
		t.allowFrom[strings.TrimPrefix(entry, "@")] = true
	}
	t.mu.Unlock()

	if t.store != nil {
		if cursor, err := t.store.LoadCursor(ctx, t.cursorKey()); err != nil {
			t.logger.Warn("cursor load failed, starting fresh", "err", err)
		} else {
			t.lastUpdateID = cursor
		}
	}

	t.logger.Info("telegram bot authenticated",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
		"offset", t.lastUpdateID,
	)

	t.setStatus(domain.StatusConnected)
	go t.pollLoop(runCtx)
	return nil
}

// Disconnect stops the polling loop. Idempotent; safe before Connect.
func (t *Telegram) Disconnect() error {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	t.setStatus(domain.StatusDisconnected)
	return nil
}

// pollLoop issues one getUpdates long poll at a time until the context is
// cancelled or the provider reports a conflict.
func (t *Telegram) pollLoop(ctx context.Context) {
	t.logger.Info("telegram polling started")

	for {
		updates, err := t.fetchUpdates(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, errTelegramConflict) {
				t.logger.Error("telegram polling conflict, stopping", "err", err)
				t.setStatus(domain.StatusError)
				return
			}
			t.logger.Warn("telegram poll error, pausing", "err", err, "pause", t.retryDelay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.retryDelay):
			}
			continue
		}

		for _, update := range updates {
			// Advance the cursor before touching the payload so a handler
			// failure cannot make the next poll re-fetch this update.
			if int64(update.UpdateID) > t.lastUpdateID {
				t.lastUpdateID = int64(update.UpdateID)
			}
			t.handleUpdate(update)
		}
		if len(updates) > 0 && t.store != nil {
			if err := t.store.SaveCursor(ctx, t.cursorKey(), t.lastUpdateID); err != nil {
				t.logger.Warn("cursor save failed", "err", err)
			}
		}
	}
}

func (t *Telegram) fetchUpdates(ctx context.Context) ([]tgbotapi.Update, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(t.lastUpdateID+1, 10))
	q.Set("timeout", strconv.Itoa(telegramPollTimeout))

	endpoint := fmt.Sprintf(t.apiEndpoint, t.token, "getUpdates")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return nil, errTelegramConflict
	}

	var apiResp tgbotapi.APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode getUpdates response: %w", err)
	}
	if !apiResp.Ok {
		if apiResp.ErrorCode == http.StatusConflict {
			return nil, errTelegramConflict
		}
		return nil, fmt.Errorf("getUpdates: %s", apiResp.Description)
	}

	var updates []tgbotapi.Update
	if err := json.Unmarshal(apiResp.Result, &updates); err != nil {
		return nil, fmt.Errorf("decode updates: %w", err)
	}
	return updates, nil
}

// handleUpdate converts message updates into the normalized shape. Channel
// posts and messages without a sender are dropped.
func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	if !t.senderAllowed(msg.From) {
		t.logger.Debug("drop message from unlisted sender", "user", msg.From.ID)
		return
	}
	t.emit(t.convertMessage(msg))
}

// senderAllowed applies the allowFrom list by user ID or username. An
// empty list admits everyone.
func (t *Telegram) senderAllowed(from *tgbotapi.User) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	if t.allowFrom[strconv.FormatInt(from.ID, 10)] {
		return true
	}
	return from.UserName != "" && t.allowFrom[from.UserName]
}

func (t *Telegram) convertMessage(msg *tgbotapi.Message) domain.ChannelMessage {
	externalID := strconv.Itoa(msg.MessageID)
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	text := msg.Text
	entities := msg.Entities
	if text == "" && msg.Caption != "" {
		text = msg.Caption
		entities = msg.CaptionEntities
	}

	chatType, isGroup := normalizeTelegramChatType(msg.Chat.Type)
	mention, command := t.scanEntities(text, entities)

	threadID := ""
	if msg.ReplyToMessage != nil {
		threadID = strconv.Itoa(msg.ReplyToMessage.MessageID)
	}

	return domain.ChannelMessage{
		ID:          domain.MessageID(domain.ChannelTelegram, t.accountID, externalID),
		ChannelType: domain.ChannelTelegram,
		AccountID:   t.accountID,
		ExternalID:  externalID,
		Direction:   domain.DirectionInbound,
		From: domain.Sender{
			ID:          strconv.FormatInt(msg.From.ID, 10),
			Username:    msg.From.UserName,
			DisplayName: strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName),
		},
		To: domain.Target{ID: chatID},
		Content: domain.MessageContent{
			Text:        text,
			Attachments: telegramAttachments(msg),
		},
		ThreadID:  threadID,
		Timestamp: int64(msg.Date) * 1000,
		Metadata: domain.MessageMetadata{
			ChatType:      chatType,
			IsGroupChat:   isGroup,
			HasBotMention: mention,
			HasBotCommand: command,
		},
	}
}

// scanEntities detects bot mentions and commands from entity spans rather
// than substring search, so text that merely contains the bot name does not
// count as a mention.
func (t *Telegram) scanEntities(text string, entities []tgbotapi.MessageEntity) (mention, command bool) {
	for _, ent := range entities {
		span := utf16Span(text, ent.Offset, ent.Length)
		switch ent.Type {
		case "mention":
			if strings.EqualFold(span, "@"+t.botUsername) {
				mention = true
			}
		case "bot_command":
			// "/cmd@other_bot" in a group targets a different bot
			if at := strings.IndexByte(span, '@'); at >= 0 {
				if strings.EqualFold(span[at+1:], t.botUsername) {
					command = true
				}
			} else {
				command = true
			}
		}
	}
	return mention, command
}

// utf16Span extracts an entity span. Telegram offsets count UTF-16 code
// units, not bytes or runes.
func utf16Span(text string, offset, length int) string {
	units := utf16.Encode([]rune(text))
	if offset < 0 || length < 0 || offset+length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[offset : offset+length]))
}

func normalizeTelegramChatType(t string) (string, bool) {
	switch t {
	case "group", "supergroup":
		return "group", true
	case "channel":
		return "channel", false
	default:
		return "dm", false
	}
}

func telegramAttachments(msg *tgbotapi.Message) []domain.Attachment {
	var out []domain.Attachment
	if len(msg.Photo) > 0 {
		largest := msg.Photo[len(msg.Photo)-1]
		out = append(out, domain.Attachment{
			Type:     domain.AttachmentImage,
			URL:      telegramFileScheme + largest.FileID,
			MimeType: "image/jpeg",
		})
	}
	if msg.Document != nil {
		out = append(out, domain.Attachment{
			Type:     domain.AttachmentFile,
			URL:      telegramFileScheme + msg.Document.FileID,
			MimeType: msg.Document.MimeType,
			Filename: msg.Document.FileName,
		})
	}
	if msg.Voice != nil {
		out = append(out, domain.Attachment{
			Type:     domain.AttachmentAudio,
			URL:      telegramFileScheme + msg.Voice.FileID,
			MimeType: msg.Voice.MimeType,
		})
	}
	if msg.Audio != nil {
		out = append(out, domain.Attachment{
			Type:     domain.AttachmentAudio,
			URL:      telegramFileScheme + msg.Audio.FileID,
			MimeType: msg.Audio.MimeType,
			Filename: msg.Audio.FileName,
		})
	}
	if msg.Video != nil {
		out = append(out, domain.Attachment{
			Type:     domain.AttachmentVideo,
			URL:      telegramFileScheme + msg.Video.FileID,
			MimeType: msg.Video.MimeType,
		})
	}
	return out
}

// SendMessage delivers a reply, trying Markdown formatting first and
// retrying exactly once as plain text when the provider rejects the markup.
func (t *Telegram) SendMessage(ctx context.Context, out domain.OutboundMessage) domain.SendResult {
	t.mu.Lock()
	bot := t.bot
	t.mu.Unlock()
	if bot == nil {
		return domain.SendResult{Error: "telegram: not connected"}
	}

	chatID, err := strconv.ParseInt(out.To.ID, 10, 64)
	if err != nil {
		return domain.SendResult{Error: fmt.Sprintf("telegram: invalid chat id %q", out.To.ID)}
	}

	msg := tgbotapi.NewMessage(chatID, out.Text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if out.ThreadID != "" {
		if replyTo, err := strconv.Atoi(out.ThreadID); err == nil {
			msg.ReplyToMessageID = replyTo
		}
	}

	sent, err := bot.Send(msg)
	if err == nil {
		return domain.SendResult{Success: true, ExternalID: strconv.Itoa(sent.MessageID)}
	}

	if isTelegramParseError(err) {
		t.logger.Warn("markdown rejected, retrying as plain text", "err", err)
		plain := tgbotapi.NewMessage(chatID, out.Text)
		plain.ReplyToMessageID = msg.ReplyToMessageID
		sent, err = bot.Send(plain)
		if err == nil {
			return domain.SendResult{Success: true, ExternalID: strconv.Itoa(sent.MessageID)}
		}
	}

	t.logger.Error("telegram send failed", "chat", out.To.ID, "err", err)
	return domain.SendResult{Error: err.Error()}
}

func isTelegramParseError(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "can't parse") || strings.Contains(s, "entit") || strings.Contains(s, "parse_mode")
}

// DownloadFile resolves a tg-file:// reference through getFile and fetches
// the bytes from the file endpoint. Returns nil on failure or oversize.
func (t *Telegram) DownloadFile(ctx context.Context, ref string) *domain.FileData {
	if !strings.HasPrefix(ref, telegramFileScheme) {
		return nil
	}
	t.mu.Lock()
	bot := t.bot
	token := t.token
	t.mu.Unlock()
	if bot == nil {
		return nil
	}

	fileID := strings.TrimPrefix(ref, telegramFileScheme)
	file, err := bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		t.logger.Warn("getFile failed", "file_id", fileID, "err", err)
		return nil
	}
	if file.FileSize > domain.MaxAttachmentSize {
		t.logger.Warn("attachment exceeds size cap, skipping download",
			"file_id", fileID, "size", file.FileSize)
		return nil
	}

	fileURL := fmt.Sprintf(t.fileEndpoint, token, file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil
	}
	resp, err := t.client.Do(req)
	if err != nil {
		t.logger.Warn("file download failed", "file_id", fileID, "err", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.logger.Warn("file download failed", "file_id", fileID, "status", resp.StatusCode)
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, domain.MaxAttachmentSize+1))
	if err != nil || len(data) > domain.MaxAttachmentSize {
		t.logger.Warn("file download truncated or failed", "file_id", fileID, "err", err)
		return nil
	}

	mime := http.DetectContentType(data)
	return &domain.FileData{
		DataURL:  "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data),
		MimeType: mime,
	}
}

func (t *Telegram) cursorKey() string {
	return string(domain.ChannelTelegram) + ":" + t.accountID
}
