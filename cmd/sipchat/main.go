// Command sipchat is a terminal client for the group chat backend: it
// connects, joins one room, and tails the reconciled message list to
// stdout. Mainly a development aid and a worked example of wiring the SDK.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/sipline/chatkit/auth"
	"github.com/sipline/chatkit/chat"
	"github.com/sipline/chatkit/feed"
	"github.com/sipline/chatkit/logger"
	"github.com/sipline/chatkit/rest"
	"github.com/sipline/chatkit/room"
	"github.com/sipline/chatkit/socket"
	"github.com/sipline/chatkit/typing"
)

func main() {
	var (
		apiURL     = flag.String("api", "http://localhost:8080", "REST base URL")
		wsURL      = flag.String("ws", "ws://localhost:8080/socket", "websocket URL")
		groupID    = flag.String("group", "", "group room to join (required)")
		token      = flag.String("token", os.Getenv("SIPCHAT_TOKEN"), "bearer token")
		viewerID   = flag.String("viewer", uuid.NewString(), "viewer user id")
		configPath = flag.String("log-config", "logger_config.json", "logger config file")
	)
	flag.Parse()

	config, err := logger.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading logger config: %v, using defaults\n", err)
	}
	logger.Init(config)
	log := logger.NewLogger("sipchat")

	if *groupID == "" {
		log.Fatal("A group id is required (-group)")
	}

	tokens := &auth.JWTProvider{Source: auth.NewStatic(*token)}
	api := rest.NewClient(*apiURL, tokens, logger.NewLogger("rest"))
	manager := socket.NewManager(socket.Config{
		URL:    *wsURL,
		Tokens: tokens,
		Logger: logger.NewLogger("socket"),
	})

	service := feed.NewService(*groupID, *viewerID, api, logger.NewLogger("feed"))
	typers := typing.NewTracker(*viewerID)
	defer typers.Close()

	sub := room.NewSubscription(manager, logger.NewLogger("room"))
	handlers := room.Handlers{
		OnMessage: func(msg chat.Message) {
			if service.Timeline().ApplyIncoming(msg) {
				printMessage(msg)
			}
		},
		OnDeleted: service.HandleDeleted,
		OnTyping: func(ev chat.TypingPayload) {
			typers.Note(ev.GroupID, ev.UserID, ev.Username, ev.IsTyping)
			names := make([]string, 0)
			for _, u := range typers.Users(ev.GroupID) {
				names = append(names, u.DisplayName)
			}
			if len(names) > 0 {
				fmt.Printf("-- %s typing...\n", strings.Join(names, ", "))
			}
		},
		OnPresence: func(ev chat.PresencePayload, joined bool) {
			verb := "left"
			if joined {
				verb = "joined"
			}
			fmt.Printf("-- %s %s the room\n", ev.Username, verb)
		},
		OnState: func(connected, joined bool) {
			log.Infof("State: connected=%v joined=%v", connected, joined)
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sub.Subscribe(ctx, *groupID, handlers); err != nil {
		log.Fatalf("Could not join room %s: %v", *groupID, err)
	}
	defer sub.Unsubscribe()
	defer manager.Disconnect()

	if err := service.Refresh(ctx); err != nil {
		log.Warnf("Initial message fetch failed: %v", err)
	}
	for _, msg := range service.Timeline().Messages() {
		printMessage(msg)
	}

	// Lines typed on stdin are sent to the room; "/quit" exits.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "/quit" {
				stop()
				return
			}
			manager.SendTyping(*groupID, false)
			if _, err := service.Send(ctx, line); err != nil {
				log.Errorf("Send failed: %v", err)
			}
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")
}

func printMessage(msg chat.Message) {
	who := msg.SenderID
	if who == "" {
		who = "system"
	}
	if msg.IsMine {
		who = "me"
	}
	fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format("15:04:05"), who, msg.Content)
}
