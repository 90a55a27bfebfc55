package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dailybot/wcbridge/internal/checkpoint"
	"github.com/dailybot/wcbridge/internal/config"
	"github.com/dailybot/wcbridge/internal/decrypt"
	"github.com/dailybot/wcbridge/internal/export"
	"github.com/dailybot/wcbridge/internal/logging"
	"github.com/dailybot/wcbridge/internal/service"
	"github.com/dailybot/wcbridge/internal/store"
	"github.com/dailybot/wcbridge/internal/wcpath"
)

const cmdTimeout = 5 * time.Minute

func main() {
	configFlag := flag.String("config", wcpath.ConfigPath(), "path to config file")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Table-name derivation is a pure hash; it needs neither config nor
	// databases.
	if args[0] == "table" {
		if err := cmdTable(os.Stdout, args[1:]); err != nil {
			fatal("%v", err)
		}
		return
	}

	switch args[0] {
	case "contacts", "groups", "messages", "new", "poll":
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fatal("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("invalid config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmdTimeout)
	defer cancel()

	svc := buildService(cfg)
	if err := svc.Initialize(ctx); err != nil {
		fatal("initialize: %v", err)
	}
	defer func() { _ = svc.Close() }()

	switch args[0] {
	case "contacts":
		cmdContacts(svc, *jsonFlag)
	case "groups":
		cmdGroups(svc, *jsonFlag)
	case "messages":
		cmdMessages(ctx, svc, args[1:], *jsonFlag)
	case "new":
		cmdNew(ctx, svc, args[1:], *jsonFlag)
	case "poll":
		cmdPoll(ctx, svc, cfg)
	}
}

func buildService(cfg *config.Config) *service.Service {
	logger := logging.NewCLI()
	params, _ := decrypt.Profile(cfg.CipherProfile)
	engine := decrypt.NewEngine(cfg.CacheDir, params, logger)
	marks, err := checkpoint.Load(wcpath.CheckpointPath(cfg.StateDir))
	if err != nil {
		fatal("load checkpoints: %v", err)
	}
	key, err := decrypt.ParseKey(cfg.Key)
	if err != nil {
		fatal("parse key: %v", err)
	}
	return service.New(engine, marks, logger, service.Options{
		ContainerRoot: cfg.ContainerRoot,
		Key:           key,
		PerTableLimit: cfg.PerTableLimit,
	})
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wcbridgectl [--config <path>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  contacts                              List contacts")
	fmt.Fprintln(os.Stderr, "  groups                                List group conversations")
	fmt.Fprintln(os.Stderr, "  messages --conversation <id> [--since <unix>]")
	fmt.Fprintln(os.Stderr, "                                        Show one conversation's messages")
	fmt.Fprintln(os.Stderr, "  new [--since <unix>]                  Show messages across all conversations")
	fmt.Fprintln(os.Stderr, "  table <conversation>                  Print a conversation's table name")
	fmt.Fprintln(os.Stderr, "  poll                                  Run one extract-and-export cycle")
}

func cmdTable(w io.Writer, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: wcbridgectl table <conversation>")
	}
	_, err := fmt.Fprintln(w, store.TableForConversation(args[0]))
	return err
}

func cmdContacts(svc *service.Service, jsonOut bool) {
	printContacts(svc.Contacts(), jsonOut)
}

func cmdGroups(svc *service.Service, jsonOut bool) {
	printContacts(svc.Groups(), jsonOut)
}

func printContacts(list []store.ContactRecord, jsonOut bool) {
	if jsonOut {
		outputJSON(list)
		return
	}
	for _, c := range list {
		name := c.Nickname
		if c.Remark != "" {
			name = fmt.Sprintf("%s (%s)", c.Remark, c.Nickname)
		}
		fmt.Printf("%-16s %-40s %s\n", c.Type, c.UserID, name)
	}
}

func cmdMessages(ctx context.Context, svc *service.Service, args []string, jsonOut bool) {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	conv := fs.String("conversation", "", "conversation id")
	since := fs.Int64("since", 0, "only messages newer than this unix timestamp")
	limit := fs.Int("limit", 0, "maximum messages per shard table")
	_ = fs.Parse(args)
	if *conv == "" {
		fmt.Fprintln(os.Stderr, "error: --conversation is required")
		os.Exit(1)
	}

	msgs, err := svc.MessagesForConversation(ctx, *conv, *since, *limit)
	if err != nil {
		fatal("%v", err)
	}
	printMessages(msgs, jsonOut)
}

func cmdNew(ctx context.Context, svc *service.Service, args []string, jsonOut bool) {
	fs := flag.NewFlagSet("new", flag.ExitOnError)
	since := fs.Int64("since", 0, "only messages newer than this unix timestamp")
	_ = fs.Parse(args)

	msgs, err := svc.NewMessagesSince(ctx, *since)
	if err != nil {
		fatal("%v", err)
	}
	printMessages(msgs, jsonOut)
}

func printMessages(msgs []store.MessageRecord, jsonOut bool) {
	if jsonOut {
		outputJSON(msgs)
		return
	}
	for _, m := range msgs {
		ts := time.Unix(m.CreateTime, 0).Format(time.RFC3339)
		who := m.SenderID
		if who == "" {
			who = "-"
		}
		fmt.Printf("%s  %-32s  %s\n", ts, who, m.Content)
	}
}

func cmdPoll(ctx context.Context, svc *service.Service, cfg *config.Config) {
	w, err := export.NewWriter(cfg.OutputPath)
	if err != nil {
		fatal("%v", err)
	}
	defer func() { _ = w.Close() }()

	n, err := svc.PollConversations(ctx, w.Deliver)
	if err != nil {
		fatal("poll: %v", err)
	}
	fmt.Printf("exported %d messages to %s\n", n, w.Path())
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("%v", err)
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
