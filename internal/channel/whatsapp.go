package channel

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"relaybot/internal/domain"
)

const (
	whatsappAPIBase        = "https://graph.facebook.com"
	whatsappAPIVersion     = "v21.0"
	whatsappWebhookPort    = 8090
	whatsappWebhookPath    = "/webhook"
	whatsappMaxWebhookBody = 2 << 20
)

// WhatsApp implements domain.Adapter against the WhatsApp Business Cloud
// API. Inbound messages arrive on an embedded HTTP webhook server; outbound
// and media traffic goes to the Graph API.
type WhatsApp struct {
	emitter

	accountID string
	logger    *slog.Logger
	client    *http.Client

	apiBase    string // test override
	apiVersion string

	mu            sync.Mutex
	server        *http.Server
	accessToken   string
	phoneNumberID string
	verifyToken   string
	appSecret     string
	displayPhone  string
}

// NewWhatsApp creates a disconnected WhatsApp adapter for one business
// phone number.
func NewWhatsApp(accountID string, logger *slog.Logger) *WhatsApp {
	w := &WhatsApp{
		accountID:  accountID,
		logger:     logger.With("channel", "whatsapp", "account", accountID),
		client:     &http.Client{Timeout: 30 * time.Second},
		apiBase:    whatsappAPIBase,
		apiVersion: whatsappAPIVersion,
	}
	w.emitter.init()
	return w
}

func (w *WhatsApp) Type() domain.ChannelType { return domain.ChannelWhatsApp }
func (w *WhatsApp) AccountID() string        { return w.accountID }

// Connect validates the access token against the phone number's Graph API
// metadata, then binds the webhook server.
func (w *WhatsApp) Connect(ctx context.Context, cfg domain.ChannelConfig) error {
	accessToken := cfg.Credential("accessToken")
	phoneNumberID := cfg.Credential("phoneNumberId")
	if accessToken == "" || phoneNumberID == "" {
		w.setStatus(domain.StatusError)
		return fmt.Errorf("whatsapp: missing credential accessToken or phoneNumberId")
	}

	w.setStatus(domain.StatusConnecting)

	if v := cfg.SettingString("graphApiVersion"); v != "" {
		w.apiVersion = v
	}

	meta, err := w.fetchPhoneMetadata(ctx, accessToken, phoneNumberID)
	if err != nil {
		w.setStatus(domain.StatusError)
		return fmt.Errorf("whatsapp: phone number validation: %w", err)
	}

	port := cfg.SettingInt("webhookPort", whatsappWebhookPort)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		w.setStatus(domain.StatusError)
		return fmt.Errorf("whatsapp: webhook listen: %w", err)
	}

	path := cfg.SettingString("webhookPath")
	if path == "" {
		path = whatsappWebhookPath
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+path, w.handleVerification)
	mux.HandleFunc("POST "+path, w.handleWebhook)

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	w.mu.Lock()
	if w.server != nil {
		w.mu.Unlock()
		ln.Close()
		return fmt.Errorf("whatsapp: already connected")
	}
	w.server = server
	w.accessToken = accessToken
	w.phoneNumberID = phoneNumberID
	w.verifyToken = cfg.SettingString("verifyToken")
	w.appSecret = cfg.Credential("appSecret")
	w.displayPhone = meta.DisplayPhoneNumber
	w.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			w.logger.Error("whatsapp webhook server error", "err", err)
			w.setStatus(domain.StatusError)
		}
	}()

	w.logger.Info("whatsapp webhook listening",
		"port", port,
		"phone", meta.DisplayPhoneNumber,
	)
	w.setStatus(domain.StatusConnected)
	return nil
}

// Disconnect gracefully shuts the webhook server down, waiting for in-flight
// responses, and releases the port. Idempotent.
func (w *WhatsApp) Disconnect() error {
	w.mu.Lock()
	server := w.server
	w.server = nil
	w.mu.Unlock()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			w.logger.Warn("whatsapp webhook shutdown", "err", err)
		}
	}
	w.setStatus(domain.StatusDisconnected)
	return nil
}

type waPhoneMetadata struct {
	ID                 string `json:"id"`
	DisplayPhoneNumber string `json:"display_phone_number"`
	VerifiedName       string `json:"verified_name"`
}

func (w *WhatsApp) fetchPhoneMetadata(ctx context.Context, token, phoneNumberID string) (*waPhoneMetadata, error) {
	url := fmt.Sprintf("%s/%s/%s", w.apiBase, w.apiVersion, phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("graph API %d: %s", resp.StatusCode, body)
	}

	var meta waPhoneMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// handleVerification answers the webhook registration handshake: a matching
// verify token echoes the challenge, anything else is forbidden.
func (w *WhatsApp) handleVerification(rw http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("hub.mode")
	token := r.URL.Query().Get("hub.verify_token")
	challenge := r.URL.Query().Get("hub.challenge")

	w.mu.Lock()
	expected := w.verifyToken
	w.mu.Unlock()

	if mode == "subscribe" && token == expected {
		w.logger.Info("whatsapp webhook verified")
		rw.WriteHeader(http.StatusOK)
		fmt.Fprint(rw, challenge)
		return
	}

	w.logger.Warn("whatsapp webhook verification failed", "mode", mode)
	http.Error(rw, "Forbidden", http.StatusForbidden)
}

// handleWebhook acknowledges immediately; Meta retries and eventually
// disables webhooks that miss its response deadline. Parsing and emission
// run after the response is flushed.
func (w *WhatsApp) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, whatsappMaxWebhookBody))
	if err != nil {
		http.Error(rw, "Bad Request", http.StatusBadRequest)
		return
	}

	w.mu.Lock()
	secret := w.appSecret
	w.mu.Unlock()
	if secret != "" {
		sig := r.Header.Get("X-Hub-Signature-256")
		if sig == "" || !verifyHubSignature(body, secret, sig) {
			w.logger.Warn("whatsapp webhook signature rejected")
			http.Error(rw, "Forbidden", http.StatusForbidden)
			return
		}
	}

	rw.WriteHeader(http.StatusOK)
	if f, ok := rw.(http.Flusher); ok {
		f.Flush()
	}

	go w.processWebhook(body)
}

// verifyHubSignature checks Meta's X-Hub-Signature-256 header: an
// HMAC-SHA256 of the raw body keyed by the app secret.
func verifyHubSignature(body []byte, secret, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (w *WhatsApp) processWebhook(body []byte) {
	var payload waPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		w.logger.Warn("whatsapp webhook parse failed", "err", err)
		return
	}

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			// contact data arrives in the same batch, so enrichment is
			// synchronous here
			contacts := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				contacts[c.WaID] = c.Profile.Name
			}
			for _, msg := range change.Value.Messages {
				w.emit(w.convertMessage(msg, contacts))
			}
		}
	}
}

func (w *WhatsApp) convertMessage(msg waMessage, contacts map[string]string) domain.ChannelMessage {
	text := ""
	var attachments []domain.Attachment

	switch msg.Type {
	case "text":
		if msg.Text != nil {
			text = msg.Text.Body
		}
	case "image":
		attachments, text = waMediaAttachment(domain.AttachmentImage, msg.Image)
	case "document":
		attachments, text = waMediaAttachment(domain.AttachmentFile, msg.Document)
	case "audio":
		attachments, text = waMediaAttachment(domain.AttachmentAudio, msg.Audio)
	case "video":
		attachments, text = waMediaAttachment(domain.AttachmentVideo, msg.Video)
	default:
		// location, contacts, stickers, reactions: surface a placeholder so
		// the consumer knows something arrived
		text = fmt.Sprintf("[unsupported %s message]", msg.Type)
	}

	threadID := ""
	if msg.Context != nil {
		threadID = msg.Context.ID
	}

	ts := time.Now().UnixMilli()
	if sec, err := strconv.ParseInt(msg.Timestamp, 10, 64); err == nil {
		ts = sec * 1000
	}

	return domain.ChannelMessage{
		ID:          domain.MessageID(domain.ChannelWhatsApp, w.accountID, msg.ID),
		ChannelType: domain.ChannelWhatsApp,
		AccountID:   w.accountID,
		ExternalID:  msg.ID,
		Direction:   domain.DirectionInbound,
		From: domain.Sender{
			ID:          msg.From,
			DisplayName: contacts[msg.From],
		},
		To: domain.Target{ID: msg.From},
		Content: domain.MessageContent{
			Text:        text,
			Attachments: attachments,
		},
		ThreadID:  threadID,
		Timestamp: ts,
		Metadata: domain.MessageMetadata{
			ChatType: "dm",
		},
	}
}

func waMediaAttachment(t domain.AttachmentType, media *waMedia) ([]domain.Attachment, string) {
	if media == nil {
		return nil, ""
	}
	return []domain.Attachment{{
		Type:     t,
		URL:      media.ID, // Graph API media ID, resolvable only via DownloadFile
		MimeType: media.MimeType,
		Filename: media.Filename,
	}}, media.Caption
}

// SendMessage posts a text message to the Cloud API messages endpoint.
func (w *WhatsApp) SendMessage(ctx context.Context, out domain.OutboundMessage) domain.SendResult {
	w.mu.Lock()
	token := w.accessToken
	phoneNumberID := w.phoneNumberID
	w.mu.Unlock()
	if token == "" {
		return domain.SendResult{Error: "whatsapp: not connected"}
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"to":                out.To.ID,
		"type":              "text",
		"text":              map[string]string{"body": out.Text},
	}
	if out.ThreadID != "" {
		payload["context"] = map[string]string{"message_id": out.ThreadID}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.SendResult{Error: err.Error()}
	}

	url := fmt.Sprintf("%s/%s/%s/messages", w.apiBase, w.apiVersion, phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.SendResult{Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Error("whatsapp send failed", "chat", out.To.ID, "err", err)
		return domain.SendResult{Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		w.logger.Error("whatsapp send rejected", "status", resp.StatusCode, "body", string(respBody))
		return domain.SendResult{Error: fmt.Sprintf("whatsapp API %d: %s", resp.StatusCode, respBody)}
	}

	var sent struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	externalID := ""
	if err := json.NewDecoder(resp.Body).Decode(&sent); err == nil && len(sent.Messages) > 0 {
		externalID = sent.Messages[0].ID
	}
	return domain.SendResult{Success: true, ExternalID: externalID}
}

// DownloadFile resolves a Graph API media ID: first the short-lived signed
// URL and declared size, then the bytes. The size check happens before the
// byte fetch.
func (w *WhatsApp) DownloadFile(ctx context.Context, ref string) *domain.FileData {
	if ref == "" {
		return nil
	}
	w.mu.Lock()
	token := w.accessToken
	w.mu.Unlock()
	if token == "" {
		return nil
	}

	metaURL := fmt.Sprintf("%s/%s/%s", w.apiBase, w.apiVersion, ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metaURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Warn("whatsapp media lookup failed", "media", ref, "err", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		w.logger.Warn("whatsapp media lookup failed", "media", ref, "status", resp.StatusCode)
		return nil
	}

	var media struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
		FileSize int64  `json:"file_size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&media); err != nil {
		return nil
	}
	if media.FileSize > domain.MaxAttachmentSize {
		w.logger.Warn("whatsapp media exceeds size cap, skipping download",
			"media", ref, "size", media.FileSize)
		return nil
	}

	fileReq, err := http.NewRequestWithContext(ctx, http.MethodGet, media.URL, nil)
	if err != nil {
		return nil
	}
	fileReq.Header.Set("Authorization", "Bearer "+token)

	fileResp, err := w.client.Do(fileReq)
	if err != nil {
		w.logger.Warn("whatsapp media download failed", "media", ref, "err", err)
		return nil
	}
	defer fileResp.Body.Close()
	if fileResp.StatusCode != http.StatusOK {
		w.logger.Warn("whatsapp media download failed", "media", ref, "status", fileResp.StatusCode)
		return nil
	}

	data, err := io.ReadAll(io.LimitReader(fileResp.Body, domain.MaxAttachmentSize+1))
	if err != nil || len(data) > domain.MaxAttachmentSize {
		return nil
	}

	mime := media.MimeType
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return &domain.FileData{
		DataURL:  "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data),
		MimeType: mime,
	}
}

// --- webhook payload types ---

type waPayload struct {
	Object string    `json:"object"`
	Entry  []waEntry `json:"entry"`
}

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Field string  `json:"field"`
	Value waValue `json:"value"`
}

type waValue struct {
	MessagingProduct string      `json:"messaging_product"`
	Contacts         []waContact `json:"contacts"`
	Messages         []waMessage `json:"messages"`
}

type waContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

type waMessage struct {
	From      string     `json:"from"`
	ID        string     `json:"id"`
	Timestamp string     `json:"timestamp"`
	Type      string     `json:"type"`
	Text      *waText    `json:"text,omitempty"`
	Image     *waMedia   `json:"image,omitempty"`
	Document  *waMedia   `json:"document,omitempty"`
	Audio     *waMedia   `json:"audio,omitempty"`
	Video     *waMedia   `json:"video,omitempty"`
	Context   *waContext `json:"context,omitempty"`
}

type waText struct {
	Body string `json:"body"`
}

type waMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

type waContext struct {
	From string `json:"from"`
	ID   string `json:"id"`
}
