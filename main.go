package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sync/errgroup"

	"vestnik/internal/config"
	"vestnik/internal/content"
	"vestnik/internal/directory"
	"vestnik/internal/engine"
	"vestnik/internal/eventbus"
	"vestnik/internal/groups"
	"vestnik/internal/models"
	"vestnik/internal/rest"
	"vestnik/internal/selector"
	"vestnik/internal/stream"
	"vestnik/internal/typing"
)

var (
	flagConfig   string
	flagUserID   string
	flagToken    string
	flagConv     string
	flagIsGroup  bool
	flagConvName string
)

func main() {
	root := &cobra.Command{
		Use:   "vestnik",
		Short: "Terminal chat client on the vestnik sync core",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx)
		},
	}
	root.Flags().StringVarP(&flagConfig, "config", "c", "", "path to TOML config file")
	root.Flags().StringVar(&flagUserID, "user", os.Getenv("VESTNIK_USER_ID"), "local user id")
	root.Flags().StringVar(&flagToken, "token", os.Getenv("VESTNIK_TOKEN"), "auth token")
	root.Flags().StringVar(&flagConv, "conversation", "", "conversation id to open")
	root.Flags().StringVar(&flagConvName, "name", "", "conversation display name")
	root.Flags().BoolVar(&flagIsGroup, "group", false, "conversation is a group")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	sess := config.Session{UserID: flagUserID, Token: flagToken}
	if err := sess.Validate(); err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	bus := eventbus.New()
	str := stream.NewClient(cfg, sess, bus, log)
	api := rest.NewClient(cfg, sess)
	eng := engine.New(api, str, sess, cfg, log)
	dir := directory.New(ctx, api, sess, cfg, log)
	grp := groups.New(api, str, sess, cfg, log)
	sel := selector.New(eng, str, log)
	typ := typing.New(str, sel, dir, sess, cfg, log)

	defer eng.Attach(ctx, bus)()
	defer dir.Attach(bus)()
	defer grp.Attach(bus)()
	defer sel.Attach(bus)()
	grp.OnRemoved(sel.ClearIf)

	printIncoming := func(payload msgpack.RawMessage) {
		var p stream.MessagePayload
		if err := msgpack.Unmarshal(payload, &p); err != nil {
			return
		}
		name := p.SenderID
		if u, err := dir.Get(p.SenderID); err == nil {
			name = u.DisplayName
		}
		fmt.Printf("%s: %s\n", name, content.Sanitize(p.Content))
	}
	defer bus.Subscribe(stream.EventReceiveMessage, printIncoming)()
	defer bus.Subscribe(stream.EventNewGroupMessage, printIncoming)()
	defer bus.Subscribe(stream.EventTyping, func(msgpack.RawMessage) {
		if conv, ok := sel.Active(); ok {
			if banner := typ.Banner(conv.ID); banner != "" {
				fmt.Println(banner)
			}
		}
	})()

	if err := str.Connect(ctx); err != nil {
		return err
	}
	defer str.Disconnect()

	if err := dir.Refresh(ctx); err != nil {
		log.Warn("roster fetch failed", "err", err)
	}
	if _, err := grp.List(ctx); err != nil {
		log.Warn("group fetch failed", "err", err)
	}

	if flagConv != "" {
		kind := models.ConversationDirect
		if flagIsGroup {
			kind = models.ConversationGroup
		}
		conv := models.Conversation{ID: flagConv, Kind: kind, DisplayName: flagConvName}
		if err := sel.Select(ctx, conv); err != nil {
			return err
		}
		for _, m := range eng.Messages(conv.ID) {
			fmt.Printf("%s: %s\n", m.SenderID, content.Sanitize(m.Content))
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			conv, ok := sel.Active()
			if !ok {
				fmt.Println("no active conversation")
				continue
			}
			typ.InputChanged()
			if _, err := eng.Send(ctx, conv, line, nil); err != nil {
				fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				continue
			}
			typ.Sent()
		}
		return scanner.Err()
	})
	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
