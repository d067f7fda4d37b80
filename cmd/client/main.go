package main

import (
	"bufio"
	"chat-relay/client"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/gookit/color"
	"github.com/kelseyhightower/envconfig"
	"github.com/mama165/sdk-go/logs"
	"github.com/olekukonko/tablewriter"
)

// Exit codes for the client application.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// Config defines the client-side environment variables.
type Config struct {
	ServerURL string `envconfig:"CHAT_SERVER_URL" default:"http://localhost:8080"`
	Email     string `envconfig:"CHAT_EMAIL" required:"true"`
	Password  string `envconfig:"CHAT_PASSWORD" required:"true"`
	// CHAT_REGISTER creates the account instead of logging in
	Register bool   `envconfig:"CHAT_REGISTER" default:"false"`
	Peer     string `envconfig:"CHAT_PEER"`
	Tag      string `envconfig:"CHAT_TAG"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"WARN"`
	Colours  bool   `envconfig:"CHAT_COLOURS" default:"true"`
}

func (c Config) WebsocketURL() string {
	return "ws" + strings.TrimPrefix(c.ServerURL, "http") + "/ws"
}

var statusColours = map[domain.Status]color.Color{
	domain.StatusSending:   color.FgGray,
	domain.StatusSent:      color.FgWhite,
	domain.StatusDelivered: color.FgCyan,
	domain.StatusRead:      color.FgGreen,
	domain.StatusError:     color.FgRed,
}

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Client error: %v\n", err)
	}
	os.Exit(code)
}

// run logs in, hydrates the conversation, then relays stdin lines as messages
// until EOF or a signal. Lines starting with / are commands.
func run() (int, error) {
	var config Config
	if err := envconfig.Process("", &config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	color.Enable = config.Colours
	log := logs.GetLoggerFromString(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		tokenMu sync.RWMutex
		token   string
	)
	api := client.NewAPIClient(config.ServerURL, func() string {
		tokenMu.RLock()
		defer tokenMu.RUnlock()
		return token
	})
	authenticate := api.Login
	if config.Register {
		authenticate = api.Register
	}
	issued, err := authenticate(ctx, config.Email, config.Password)
	if err != nil {
		return exitRuntime, fmt.Errorf("authentication failed: %w", err)
	}
	tokenMu.Lock()
	token = issued
	tokenMu.Unlock()

	query := domain.HistoryQuery{PeerID: config.Peer, ConversationTag: config.Tag, Limit: 50}
	history, err := api.Fetch(ctx, query)
	if err != nil {
		return exitRuntime, fmt.Errorf("history failed: %w", err)
	}
	printHistory(os.Stdout, history)

	channel := client.NewChannel(client.WebsocketDialer(config.WebsocketURL(), log), log)
	channel.SetToken(issued)
	outbox := client.NewOutbox(channel, client.NewStatusTable(0, nil), log).Attach(channel)
	defer func() { _ = channel.Close() }()

	channel.OnStateChange(func(state client.State) {
		if state == client.GivenUp {
			color.Warn.Println("connection lost, type /reconnect to try again")
		}
	})
	channel.OnMessage(func(e event.MessageCreated) {
		if e.Outgoing {
			return
		}
		color.Info.Printf("%s: %s\n", e.Message.SenderID, e.Message.Content)
	})
	channel.OnPresence(func(userID string, online bool) {
		if online {
			color.Note.Printf("%s is online\n", userID)
		} else {
			color.Note.Printf("%s went offline\n", userID)
		}
	})

	poller := client.NewPoller(channel, api, query, func(messages []domain.Message) {
		printHistory(os.Stdout, messages)
	}, log)
	go func() { _ = poller.Run(ctx) }()

	if err := channel.Connect(ctx); err != nil {
		color.Warn.Printf("not connected yet: %v\n", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return exitOK, nil
		case line, ok := <-lines:
			if !ok {
				return exitOK, nil
			}
			if quit := handleLine(ctx, strings.TrimSpace(line), config, channel, outbox); quit {
				return exitOK, nil
			}
		}
	}
}

func handleLine(ctx context.Context, line string, config Config, channel *client.Channel, outbox *client.Outbox) bool {
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/online":
		fmt.Println(strings.Join(channel.OnlineUsers(), ", "))
	case line == "/reconnect":
		if err := channel.Reconnect(ctx); err != nil {
			color.Error.Printf("reconnect failed: %v\n", err)
		}
	case line == "/read":
		latest, ok := channel.LatestMessage()
		if !ok {
			return false
		}
		if err := outbox.MarkRead(ctx, []string{latest.ID.String()}); err != nil {
			color.Error.Printf("read receipt refused: %v\n", err)
		}
	case config.Peer == "":
		color.Warn.Println("set CHAT_PEER to send messages")
	default:
		outbox.SendMessage(ctx, line, config.Peer, config.Tag, func(status domain.Status) {
			statusColours[status].Printf("  [%s]\n", status)
		})
	}
	return false
}

func printHistory(w io.Writer, messages []domain.Message) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Time", "From", "To", "Status", "Content"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	for _, m := range messages {
		table.Append([]string{
			m.Timestamp.Local().Format("15:04:05"),
			m.SenderID,
			m.RecipientID,
			string(m.Status),
			m.Content,
		})
	}
	table.Render()
}
