package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/doclet/internal/awareness"
	"github.com/example/doclet/internal/config"
	"github.com/example/doclet/internal/crdt"
	"github.com/example/doclet/internal/cursor"
	"github.com/example/doclet/internal/docservice"
	"github.com/example/doclet/internal/localcache"
	"github.com/example/doclet/internal/provider"
	"github.com/example/doclet/internal/transport"
	"github.com/example/doclet/internal/types"
)

const DocletVersion = "0.1.0"

func main() {
	usage := `Doclet terminal client.

Service urls are read from the json document at --config. When it is not
reachable the local development defaults are used.

Usage:
    doclet new <title> [--config=<url>]
    doclet list [--config=<url>] [--query=<query>] [--limit=<limit>]
    doclet open <document_id> [--config=<url>] [--cache=<path>]
        [--name=<name>] [--reconnect]
    doclet cached [--cache=<path>]
    doclet -h | --help
    doclet --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    --config=<url>       Client configuration endpoint.
    --cache=<path>       Offline snapshot cache [default: ~/.doclet/cache.db].
    --query=<query>      Filter documents by title.
    --limit=<limit>      Maximum documents to list [default: 50].
    --name=<name>        Name shown to other editors.
    --reconnect          Redial the relay when the connection drops.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DocletVersion)
	if err != nil {
		panic(err)
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cached, _ := opts.Bool("cached"); cached {
		err = listCached(opts)
	} else {
		configURL, _ := opts.String("--config")
		clientCfg := config.NewClientLoader(configURL, nil, logger).Load(ctx)
		docs := docservice.NewClient(clientCfg.DocServiceURL, nil)

		if create, _ := opts.Bool("new"); create {
			err = newDocument(ctx, docs, opts)
		} else if list, _ := opts.Bool("list"); list {
			err = listDocuments(ctx, docs, opts)
		} else if open, _ := opts.Bool("open"); open {
			err = openDocument(ctx, docs, clientCfg, opts, logger)
		}
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newDocument(ctx context.Context, docs *docservice.Client, opts docopt.Opts) error {
	title, _ := opts.String("<title>")
	doc, err := docs.Create(ctx, title)
	if err != nil {
		return err
	}
	fmt.Printf("%s\t%s\n", doc.ID, doc.DisplayName)
	return nil
}

func listDocuments(ctx context.Context, docs *docservice.Client, opts docopt.Opts) error {
	query, _ := opts.String("--query")
	limit, err := opts.Int("--limit")
	if err != nil {
		return fmt.Errorf("invalid --limit: %w", err)
	}
	items, err := docs.List(ctx, query, limit, 0)
	if err != nil {
		return err
	}
	for _, item := range items {
		fmt.Printf("%s\t%s\t%s\n", item.DocumentID, item.UpdatedAt, item.DisplayName)
	}
	return nil
}

func listCached(opts docopt.Opts) error {
	cache, err := openCache(opts)
	if err != nil {
		return err
	}
	defer cache.Close()

	entries, err := cache.Entries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s\t%s\t%s\n", e.DocumentID, e.SavedAt.Format(time.RFC3339), e.DisplayName)
	}
	return nil
}

func openDocument(ctx context.Context, docs *docservice.Client, clientCfg config.ClientConfig, opts docopt.Opts, logger zerolog.Logger) error {
	rawID, _ := opts.String("<document_id>")
	id, err := uuid.Parse(rawID)
	if err != nil {
		return fmt.Errorf("invalid document id %q", rawID)
	}
	documentID := types.DocumentID(id.String())

	cache, err := openCache(opts)
	if err != nil {
		return err
	}
	defer cache.Close()

	title, content, err := fetchContent(ctx, docs, cache, documentID, logger)
	if err != nil {
		return err
	}
	doc, err := crdt.LoadTextDoc(content)
	if err != nil {
		return err
	}

	name, _ := opts.String("--name")
	chosen := name != ""
	if !chosen {
		name = os.Getenv("USER")
	}
	clientID := types.ClientID(uuid.NewString())
	reconnect, _ := opts.Bool("--reconnect")

	out := bufio.NewWriter(os.Stdout)
	printf := func(format string, args ...any) {
		fmt.Fprintf(out, format, args...)
		out.Flush()
	}

	unsubscribe := doc.OnUpdate(func(_ []byte, origin types.Origin) {
		if origin == types.OriginRemote {
			printf("--- remote change ---\n%s\n", doc.Text())
		}
	})
	defer unsubscribe()

	assignedNames := make(chan string, 1)
	p, err := provider.New(provider.Options{
		DocumentID: documentID,
		ClientID:   clientID,
		URL:        clientCfg.CollabWSURL,
		Doc:        doc,
		User:       types.User{Name: name, Color: cursor.UserColor(name, clientID)},
		Logger:     logger,
		OnStatus: func(status transport.Status) {
			logger.Info().Str("status", string(status)).Msg("relay connection")
		},
		OnUserName: func(id types.ClientID, assigned string) {
			if id == clientID {
				select {
				case assignedNames <- assigned:
				default:
				}
			}
		},
		Reconnect: transport.ReconnectConfig{Enabled: reconnect},
	})
	if err != nil {
		return err
	}
	defer func() {
		p.Destroy()
		if err := cache.Put(documentID, title, doc.EncodeStateAsUpdate()); err != nil {
			logger.Warn().Err(err).Msg("failed to save offline copy")
		}
	}()

	printf("%s\n%s\n", title, doc.Text())
	printf("type a line to append it; :peers lists editors, :text prints the document\n")

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
			return nil
		case assigned := <-assignedNames:
			printf("you are %s\n", assigned)
			adoptName(p, chosen, clientID, assigned)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch strings.TrimSpace(line) {
			case ":peers":
				for _, label := range cursor.Peers(p.Awareness(), cursor.Names(p.Names())) {
					printf("%s\t%s\n", label.Text, label.Color)
				}
			case ":text":
				printf("%s\n", doc.Text())
			default:
				if err := doc.Insert(doc.Len(), line+"\n"); err != nil {
					return err
				}
				end := doc.Len()
				p.UpdateCursor(&awareness.Cursor{Anchor: end, Head: end})
			}
		}
	}
}

type userUpdater interface {
	UpdateUser(user types.User)
}

// adoptName advertises the relay-assigned name in presence unless the user
// picked one with --name.
func adoptName(p userUpdater, chosen bool, clientID types.ClientID, assigned string) bool {
	if chosen || assigned == "" {
		return false
	}
	p.UpdateUser(types.User{Name: assigned, Color: cursor.UserColor(assigned, clientID)})
	return true
}

// fetchContent prefers the document service and falls back to the offline
// cache when the service cannot be reached.
func fetchContent(ctx context.Context, docs *docservice.Client, cache *localcache.Cache, documentID types.DocumentID, logger zerolog.Logger) (string, []byte, error) {
	remote, err := docs.Get(ctx, string(documentID))
	if err == nil {
		return remote.DisplayName, remote.Content, nil
	}
	if errors.Is(err, docservice.ErrNotFound) {
		return "", nil, err
	}

	entry, cacheErr := cache.Get(documentID)
	if cacheErr != nil {
		return "", nil, fmt.Errorf("document service unavailable (%w) and no offline copy", err)
	}
	logger.Warn().Err(err).Time("saved_at", entry.SavedAt).Msg("document service unavailable; using offline copy")
	return entry.DisplayName, entry.Content, nil
}

func openCache(opts docopt.Opts) (*localcache.Cache, error) {
	path, _ := opts.String("--cache")
	if rest, ok := strings.CutPrefix(path, "~/"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, rest)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return localcache.Open(path)
}
