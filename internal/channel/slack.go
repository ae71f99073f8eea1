package channel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/slack-go/slack"

	"relaybot/internal/domain"
)

const (
	slackPingInterval   = 30 * time.Second
	slackReconnectMin   = 2 * time.Second
	slackReconnectMax   = 5 * time.Second
	slackReconnectRetry = 10 * time.Second
	slackWriteWait      = 5 * time.Second
)

// Slack implements domain.Adapter over Socket Mode: the Web API (auth.test,
// apps.connections.open, chat.postMessage, users.info) through slack-go and
// a raw websocket for event delivery. The socket URL is single-use and
// short-lived, so every (re)connect requests a fresh one.
type Slack struct {
	emitter

	accountID string
	logger    *slog.Logger
	client    *http.Client

	apiURL string // test override; "" uses the public Web API

	// reconnect pacing, overridable for tests
	reconnectMin   time.Duration
	reconnectMax   time.Duration
	reconnectRetry time.Duration

	api         *slack.Client
	botToken    string
	botUserID   string
	botUsername string

	mu           sync.Mutex
	cancel       context.CancelFunc
	conn         *websocket.Conn
	reconnecting bool

	writeMu sync.Mutex // serializes envelope acks on the socket
}

// NewSlack creates a disconnected Slack adapter for one workspace app.
func NewSlack(accountID string, logger *slog.Logger) *Slack {
	s := &Slack{
		accountID:      accountID,
		logger:         logger.With("channel", "slack", "account", accountID),
		client:         &http.Client{Timeout: 30 * time.Second},
		reconnectMin:   slackReconnectMin,
		reconnectMax:   slackReconnectMax,
		reconnectRetry: slackReconnectRetry,
	}
	s.emitter.init()
	return s
}

func (s *Slack) Type() domain.ChannelType { return domain.ChannelSlack }
func (s *Slack) AccountID() string        { return s.accountID }

// Connect validates the bot token via auth.test, requests a Socket Mode URL
// and opens the socket.
func (s *Slack) Connect(ctx context.Context, cfg domain.ChannelConfig) error {
	botToken := cfg.Credential("botToken")
	appToken := cfg.Credential("appToken")
	if botToken == "" || appToken == "" {
		s.setStatus(domain.StatusError)
		return fmt.Errorf("slack: missing credential botToken or appToken")
	}

	s.setStatus(domain.StatusConnecting)

	opts := []slack.Option{
		slack.OptionAppLevelToken(appToken),
		slack.OptionHTTPClient(s.client),
	}
	if s.apiURL != "" {
		opts = append(opts, slack.OptionAPIURL(s.apiURL))
	}
	api := slack.New(botToken, opts...)

	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		s.setStatus(domain.StatusError)
		return fmt.Errorf("slack: auth.test: %w", err)
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("slack: already connected")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.api = api
	s.botToken = botToken
	s.botUserID = auth.UserID
	s.botUsername = auth.User
	s.mu.Unlock()

	s.logger.Info("slack bot authenticated", "user", auth.User, "user_id", auth.UserID)

	if err := s.openSocket(runCtx); err != nil {
		s.Disconnect()
		s.setStatus(domain.StatusError)
		return fmt.Errorf("slack: socket open: %w", err)
	}
	return nil
}

// Disconnect closes the socket and stops reconnect attempts. Idempotent.
func (s *Slack) Disconnect() error {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	s.cancel = nil
	s.conn = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	s.setStatus(domain.StatusDisconnected)
	return nil
}

// openSocket requests a fresh single-use socket URL and dials it. Never
// reuses a previous URL.
func (s *Slack) openSocket(ctx context.Context) error {
	_, wsURL, err := s.api.StartSocketModeContext(ctx)
	if err != nil {
		return fmt.Errorf("apps.connections.open: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}

	s.mu.Lock()
	if old := s.conn; old != nil {
		old.Close()
	}
	s.conn = conn
	s.mu.Unlock()

	s.setStatus(domain.StatusConnected)
	go s.readLoop(ctx, conn)
	go s.pingLoop(ctx, conn)
	return nil
}

func (s *Slack) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("slack socket closed", "err", err)
			s.scheduleReconnect(ctx)
			return
		}

		var env slackEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("slack envelope parse failed", "err", err)
			continue
		}

		// Slack enforces a short response window; the ack is unconditional
		// and independent of whether the payload is understood.
		if env.EnvelopeID != "" {
			s.ack(conn, env.EnvelopeID)
		}

		switch env.Type {
		case "hello":
			s.logger.Debug("slack socket hello")
		case "disconnect":
			s.logger.Info("slack server requested disconnect", "reason", env.Reason)
			conn.Close()
			s.scheduleReconnect(ctx)
			return
		case "events_api":
			s.handleEventsPayload(ctx, env.Payload)
		}
	}
}

func (s *Slack) ack(conn *websocket.Conn, envelopeID string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(slackWriteWait))
	if err := conn.WriteJSON(slackAck{EnvelopeID: envelopeID}); err != nil {
		s.logger.Warn("slack ack failed", "envelope_id", envelopeID, "err", err)
	}
}

func (s *Slack) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(slackPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(slackWriteWait)); err != nil {
				return
			}
		}
	}
}

// scheduleReconnect starts a single background reconnect attempt with
// randomized jitter. A boolean guard keeps at most one attempt in flight;
// a failed attempt retries on a longer fixed delay.
func (s *Slack) scheduleReconnect(ctx context.Context) {
	s.mu.Lock()
	if s.reconnecting || s.cancel == nil {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	delay := s.reconnectMin + time.Duration(rand.Int63n(int64(s.reconnectMax-s.reconnectMin)))
	s.logger.Info("slack reconnect scheduled", "delay", delay)

	go func() {
		defer func() {
			s.mu.Lock()
			s.reconnecting = false
			s.mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			if s.Status() == domain.StatusDisconnected {
				return
			}
			s.setStatus(domain.StatusConnecting)
			err := s.openSocket(ctx)
			if err == nil {
				return
			}
			s.logger.Warn("slack reconnect failed", "err", err, "retry", s.reconnectRetry)
			delay = s.reconnectRetry
		}
	}()
}

func (s *Slack) handleEventsPayload(ctx context.Context, payload json.RawMessage) {
	var body struct {
		Event slackMessageEvent `json:"event"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		s.logger.Warn("slack event parse failed", "err", err)
		return
	}

	ev := body.Event
	if ev.Type != "message" || ev.SubType != "" {
		return
	}
	// skip our own and other bots' messages
	if ev.User == "" || ev.User == s.botUserID || ev.BotID != "" {
		return
	}

	msg := s.convertMessage(ev)
	s.emit(msg)

	// Display-name enrichment needs a second API round-trip; it must not
	// delay delivery. The enriched copy is re-emitted under the same ID.
	go s.enrichSender(ctx, msg)
}

func (s *Slack) convertMessage(ev slackMessageEvent) domain.ChannelMessage {
	chatType, isGroup := normalizeSlackChatType(ev.ChannelType)

	return domain.ChannelMessage{
		ID:          domain.MessageID(domain.ChannelSlack, s.accountID, ev.TS),
		ChannelType: domain.ChannelSlack,
		AccountID:   s.accountID,
		ExternalID:  ev.TS,
		Direction:   domain.DirectionInbound,
		From:        domain.Sender{ID: ev.User},
		To:          domain.Target{ID: ev.Channel},
		Content: domain.MessageContent{
			Text:        ev.Text,
			Attachments: slackAttachments(ev.Files),
		},
		ThreadID:  ev.ThreadTS,
		Timestamp: slackTimestampMillis(ev.TS),
		Metadata: domain.MessageMetadata{
			ChatType:    chatType,
			IsGroupChat: isGroup,
			// Slack embeds mentions as a literal <@UXXXX> token in the text.
			HasBotMention: strings.Contains(ev.Text, "<@"+s.botUserID+">"),
		},
	}
}

func (s *Slack) enrichSender(ctx context.Context, msg domain.ChannelMessage) {
	lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	user, err := s.api.GetUserInfoContext(lookupCtx, msg.From.ID)
	if err != nil {
		s.logger.Debug("sender enrichment failed", "user", msg.From.ID, "err", err)
		return
	}

	enriched := msg
	enriched.From.Username = user.Name
	enriched.From.DisplayName = user.Profile.DisplayName
	if enriched.From.DisplayName == "" {
		enriched.From.DisplayName = user.RealName
	}
	s.emit(enriched)
}

// SendMessage posts via chat.postMessage; thread replies carry thread_ts.
func (s *Slack) SendMessage(ctx context.Context, out domain.OutboundMessage) domain.SendResult {
	s.mu.Lock()
	api := s.api
	s.mu.Unlock()
	if api == nil {
		return domain.SendResult{Error: "slack: not connected"}
	}

	opts := []slack.MsgOption{slack.MsgOptionText(out.Text, false)}
	if out.ThreadID != "" {
		opts = append(opts, slack.MsgOptionTS(out.ThreadID))
	}

	_, ts, err := api.PostMessageContext(ctx, out.To.ID, opts...)
	if err != nil {
		s.logger.Error("slack send failed", "channel", out.To.ID, "err", err)
		return domain.SendResult{Error: err.Error()}
	}
	return domain.SendResult{Success: true, ExternalID: ts}
}

// DownloadFile fetches a url_private reference with the bot token. The
// Content-Length is checked before reading the body.
func (s *Slack) DownloadFile(ctx context.Context, ref string) *domain.FileData {
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		return nil
	}
	s.mu.Lock()
	token := s.botToken
	s.mu.Unlock()
	if token == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("slack file download failed", "err", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		s.logger.Warn("slack file download failed", "status", resp.StatusCode)
		return nil
	}
	if resp.ContentLength > domain.MaxAttachmentSize {
		s.logger.Warn("slack file exceeds size cap", "size", resp.ContentLength)
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, domain.MaxAttachmentSize+1))
	if err != nil || len(data) > domain.MaxAttachmentSize {
		return nil
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return &domain.FileData{
		DataURL:  "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data),
		MimeType: mime,
	}
}

// --- Socket Mode wire types ---

type slackEnvelope struct {
	Type       string          `json:"type"`
	EnvelopeID string          `json:"envelope_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

type slackAck struct {
	EnvelopeID string `json:"envelope_id"`
}

type slackMessageEvent struct {
	Type        string      `json:"type"`
	SubType     string      `json:"subtype"`
	User        string      `json:"user"`
	BotID       string      `json:"bot_id"`
	Text        string      `json:"text"`
	Channel     string      `json:"channel"`
	ChannelType string      `json:"channel_type"`
	TS          string      `json:"ts"`
	ThreadTS    string      `json:"thread_ts"`
	Files       []slackFile `json:"files"`
}

type slackFile struct {
	Name       string `json:"name"`
	Mimetype   string `json:"mimetype"`
	Size       int64  `json:"size"`
	URLPrivate string `json:"url_private"`
}

func normalizeSlackChatType(channelType string) (string, bool) {
	switch channelType {
	case "im":
		return "dm", false
	case "mpim", "group":
		return "group", true
	case "channel":
		return "channel", true
	default:
		return "dm", false
	}
}

func slackAttachments(files []slackFile) []domain.Attachment {
	var out []domain.Attachment
	for _, f := range files {
		out = append(out, domain.Attachment{
			Type:     attachmentTypeFromMime(f.Mimetype),
			URL:      f.URLPrivate,
			MimeType: f.Mimetype,
			Filename: f.Name,
		})
	}
	return out
}

func attachmentTypeFromMime(mime string) domain.AttachmentType {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return domain.AttachmentImage
	case strings.HasPrefix(mime, "audio/"):
		return domain.AttachmentAudio
	case strings.HasPrefix(mime, "video/"):
		return domain.AttachmentVideo
	default:
		return domain.AttachmentFile
	}
}

// slackTimestampMillis converts a Slack ts ("1715021983.123456", seconds
// with fractional part) to epoch milliseconds.
func slackTimestampMillis(ts string) int64 {
	sec, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Now().UnixMilli()
	}
	return int64(sec * 1000)
}
