package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rahul/matseg/internal/agent"
	"github.com/rahul/matseg/internal/observability"
	"github.com/rahul/matseg/internal/store"
	"go.uber.org/zap"
)

const telegramHelp = "Send me a micrograph to start a session, then describe what to segment or ask about it."

// ChatAgent is what a chat gateway needs from the orchestrator.
type ChatAgent interface {
	agent.Brain
	InitSession(ctx context.Context, sessionID, imagePath string) *store.SessionMemory
}

type TelegramGateway struct {
	Bot       *tgbotapi.BotAPI
	Agent     ChatAgent
	UploadDir string
	Logger    *observability.Logger

	// fetch downloads a file from the Telegram file endpoint.
	fetch func(ctx context.Context, url string) (io.ReadCloser, error)
}

func NewTelegramGateway(token string, a ChatAgent, uploadDir string, logger *observability.Logger) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	return newTelegramGateway(bot, a, uploadDir, logger), nil
}

func newTelegramGateway(bot *tgbotapi.BotAPI, a ChatAgent, uploadDir string, logger *observability.Logger) *TelegramGateway {
	logger.Zap().Info("telegram authorized", zap.String("account", bot.Self.UserName))
	return &TelegramGateway{
		Bot:       bot,
		Agent:     a,
		UploadDir: uploadDir,
		Logger:    logger,
		fetch:     httpFetch,
	}
}

const sessionPrefix = "tg-"

// chatSession maps a chat to its session id. A chat holds one image at a time.
func chatSession(chatID int64) string {
	return sessionPrefix + strconv.FormatInt(chatID, 10)
}

// ChatID is the inverse of chatSession.
func (tg *TelegramGateway) ChatID(sessionID string) (string, bool) {
	id, ok := strings.CutPrefix(sessionID, sessionPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

func (tg *TelegramGateway) Start() error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)

	for update := range updates {
		if update.Message == nil {
			continue
		}
		tg.handleMessage(context.Background(), update.Message)
	}
	return nil
}

func (tg *TelegramGateway) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	sessionID := chatSession(chatID)

	var reply string
	switch {
	case len(msg.Photo) > 0:
		// Telegram lists sizes smallest first.
		photo := msg.Photo[len(msg.Photo)-1]
		reply = tg.startSession(ctx, sessionID, photo.FileID)
	case msg.IsCommand() && (msg.Command() == "start" || msg.Command() == "help"):
		reply = telegramHelp
	case msg.Text != "":
		from := ""
		if msg.From != nil {
			from = msg.From.UserName
		}
		tg.Logger.Zap().Info("telegram message",
			zap.String("session_id", sessionID),
			zap.String("from", from),
			zap.String("text", msg.Text),
		)
		response, err := tg.Agent.Think(ctx, sessionID, msg.Text)
		if err != nil {
			tg.Logger.Zap().Warn("run failed", zap.String("session_id", sessionID), zap.Error(err))
			response = "I'm having trouble thinking right now..."
		}
		reply = response
	default:
		return
	}

	if _, err := tg.Bot.Send(tgbotapi.NewMessage(chatID, reply)); err != nil {
		tg.Logger.Zap().Warn("telegram send failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

func (tg *TelegramGateway) startSession(ctx context.Context, sessionID, fileID string) string {
	path, err := tg.download(ctx, sessionID, fileID)
	if err != nil {
		tg.Logger.Zap().Warn("telegram photo download failed", zap.String("session_id", sessionID), zap.Error(err))
		return "I couldn't download that image, please try again."
	}
	tg.Agent.InitSession(ctx, sessionID, path)
	return "Image received. What should I look for?"
}

func (tg *TelegramGateway) download(ctx context.Context, sessionID, fileID string) (string, error) {
	file, err := tg.Bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return "", err
	}
	body, err := tg.fetch(ctx, file.Link(tg.Bot.Token))
	if err != nil {
		return "", err
	}
	defer body.Close()

	if err := os.MkdirAll(tg.UploadDir, 0755); err != nil {
		return "", err
	}
	ext := filepath.Ext(file.FilePath)
	if ext == "" {
		ext = ".jpg"
	}
	dest := filepath.Join(tg.UploadDir, sessionID+ext)
	if err := saveUpload(dest, body); err != nil {
		return "", err
	}
	return filepath.Abs(dest)
}

func httpFetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch file: status code %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func (tg *TelegramGateway) Send(chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}

	_, err = tg.Bot.Send(tgbotapi.NewMessage(id, text))
	return err
}

func (tg *TelegramGateway) Stop() error {
	tg.Bot.StopReceivingUpdates()
	return nil
}
