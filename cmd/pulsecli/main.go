// Command pulsecli is a line-oriented gateway client for manual testing.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Pulse/internal/adapters/auth"
	"github.com/dkeye/Pulse/internal/client"
	"github.com/dkeye/Pulse/internal/client/call"
	"github.com/dkeye/Pulse/internal/config"
	"github.com/dkeye/Pulse/internal/domain"
	"github.com/dkeye/Pulse/internal/logging"
)

const help = `commands:
  join <conv>                 subscribe to a conversation
  leave <conv>
  send <conv> <text...>
  read <conv> <messageId>
  typing <conv> | stop <conv>
  call <user> [conv] [audio|video]
  accept | reject | hangup
  quit`

func main() {
	url := pflag.String("url", "", "gateway websocket url (default from config)")
	token := pflag.String("token", os.Getenv("PULSE_TOKEN"), "bearer token")
	issueAs := pflag.String("issue-as", "", "mint a token for this user with the configured jwt secret")
	pflag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	defer logging.Setup(cfg.Log).Close()

	if *url == "" {
		*url = cfg.Client.URL
	}
	if *issueAs != "" {
		*token, err = mint(cfg.Auth, *issueAs)
		if err != nil {
			log.Fatal().Err(err).Msg("issue token")
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	m := client.NewManager(client.Options{
		URL:         *url,
		Token:       *token,
		MaxAttempts: cfg.Client.MaxReconnectAttempts,
		BaseDelay:   cfg.Client.BaseBackoff,
	})
	m.OnStatus(func(s client.Status) {
		switch s.Kind {
		case client.StatusReconnecting:
			fmt.Printf("~ reconnecting (attempt %d in %s)\n", s.Attempt, s.Delay)
		case client.StatusReconnectExhausted:
			fmt.Println("! gave up reconnecting")
			cancel()
		case client.StatusAuthFailed:
			fmt.Println("! authentication failed, get a new token")
			cancel()
		case client.StatusSessionReplaced:
			fmt.Println("! signed in from another device, this session was closed")
			cancel()
		case client.StatusConnected:
			fmt.Printf("~ connected as %s\n", m.UserID())
		}
	})
	for _, ev := range []string{"newMessage", "messageSent", "messageRead", "userTyping", "userStopTyping",
		"joinedConversation", "leftConversation", "targetOffline", "error"} {
		m.On(ev, printer(ev))
	}

	machine := call.NewMachine(m, call.PionProvider{Config: call.DefaultWebRTCConfig()})
	defer machine.Bind()()
	machine.OnTransition(func(tr call.Transition) {
		fmt.Printf("~ call %s -> %s %s %s\n", tr.From, tr.To, tr.Peer, tr.Reason)
	})

	if err := m.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("connect")
	}
	defer m.Disconnect()
	fmt.Println(help)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			_ = machine.Hangup()
			return
		case line, ok := <-lines:
			if !ok {
				_ = machine.Hangup()
				return
			}
			if quit := execute(ctx, m, machine, strings.Fields(line)); quit {
				_ = machine.Hangup()
				return
			}
		}
	}
}

func mint(cfg config.AuthConfig, user string) (string, error) {
	a, err := auth.NewJWTAuthenticator(cfg.JWTSecret, cfg.JWTAlg)
	if err != nil {
		return "", err
	}
	uid, err := domain.ParseUserID(user)
	if err != nil {
		return "", err
	}
	return a.Issue(uid, 24*time.Hour)
}

func printer(event string) client.Handler {
	return func(data json.RawMessage) {
		fmt.Printf("< %s %s\n", event, data)
	}
}

func execute(ctx context.Context, m *client.Manager, machine *call.Machine, args []string) (quit bool) {
	if len(args) == 0 {
		return false
	}
	var err error
	switch args[0] {
	case "quit", "exit":
		return true
	case "join", "leave":
		err = withConv(args, 2, func(conv domain.ConversationID) error {
			return m.Emit(args[0]+"Conversation", map[string]any{"conversationId": conv})
		})
	case "send":
		err = withConv(args, 3, func(conv domain.ConversationID) error {
			return m.Emit("sendMessage", map[string]any{
				"conversationId": conv,
				"type":           domain.MessageText,
				"content":        strings.Join(args[2:], " "),
				"tempId":         strconv.FormatInt(time.Now().UnixNano(), 36),
			})
		})
	case "read":
		err = withConv(args, 3, func(conv domain.ConversationID) error {
			id, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return err
			}
			return m.Emit("markAsRead", map[string]any{"conversationId": conv, "messageId": id})
		})
	case "typing", "stop":
		event := "typing"
		if args[0] == "stop" {
			event = "stopTyping"
		}
		err = withConv(args, 2, func(conv domain.ConversationID) error {
			return m.Emit(event, map[string]any{"conversationId": conv})
		})
	case "call":
		if len(args) < 2 {
			err = fmt.Errorf("usage: call <user> [conv] [audio|video]")
			break
		}
		var conv domain.ConversationID
		callType := domain.CallAudio
		if len(args) > 2 {
			conv, err = domain.ParseConversationID(args[2])
		}
		if len(args) > 3 {
			callType = domain.CallType(args[3])
		}
		if err == nil {
			err = machine.Start(ctx, domain.UserID(args[1]), conv, callType)
		}
	case "accept":
		err = machine.Accept(ctx)
	case "reject":
		err = machine.Reject()
	case "hangup":
		err = machine.Hangup()
	default:
		fmt.Println(help)
	}
	if err != nil {
		fmt.Printf("! %v\n", err)
	}
	return false
}

func withConv(args []string, need int, fn func(domain.ConversationID) error) error {
	if len(args) < need {
		return fmt.Errorf("usage: %s <conv> ...", args[0])
	}
	conv, err := domain.ParseConversationID(args[1])
	if err != nil {
		return err
	}
	return fn(conv)
}
