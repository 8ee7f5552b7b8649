package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/nats-io/nats.go"
	"gopkg.in/yaml.v3"

	"github.com/suparena/entitydao"
	"github.com/suparena/entitydao/config"
	"github.com/suparena/entitydao/entity"
	"github.com/suparena/entitydao/key"
	"github.com/suparena/entitydao/listener/natsbus"
	"github.com/suparena/entitydao/processor"
)

// recordView is the printed form of an entity.
type recordView struct {
	Type      string         `yaml:"type"`
	Key       string         `yaml:"key"`
	Version   int64          `yaml:"version"`
	Lock      string         `yaml:"lock"`
	CreatedAt string         `yaml:"createdAt"`
	UpdatedAt string         `yaml:"updatedAt"`
	Fields    map[string]any `yaml:"fields"`
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cli, rest, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if cli.ShowVersion {
		printVersion(stdout)
		return nil
	}
	if len(rest) == 0 {
		return fmt.Errorf("missing command, see -help")
	}

	logger := setupLogger(stderr, cli.LogLevel, cli.LogFormat)
	cmd, params := rest[0], rest[1:]

	if cmd == "schemas" {
		if len(params) != 1 {
			return fmt.Errorf("usage: schemas <openapi-file>")
		}
		return printSchemas(params[0], stdout)
	}

	cfg, err := config.Load(cli.ConfigPath, cli.EnvFile)
	if err != nil {
		return err
	}

	switch cmd {
	case "probe":
		if len(params) != 1 {
			return fmt.Errorf("usage: probe <type>")
		}
		return withFactory(ctx, cfg, logger, func(f *entitydao.Factory) error {
			kind, err := keyKind(cfg, cli, params[0])
			if err != nil {
				return err
			}
			highest, ok, err := probeByKind(ctx, f, params[0], kind)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintf(stdout, "%s: no entities\n", params[0])
				return nil
			}
			fmt.Fprintf(stdout, "%s: highest key %s\n", params[0], highest)
			return nil
		})

	case "get":
		if len(params) != 2 {
			return fmt.Errorf("usage: get <type> <key>")
		}
		return withFactory(ctx, cfg, logger, func(f *entitydao.Factory) error {
			kind, err := keyKind(cfg, cli, params[0])
			if err != nil {
				return err
			}
			view, err := getByKind(ctx, f, params[0], params[1], kind)
			if err != nil {
				return err
			}
			return printYAML(stdout, view)
		})

	case "watch":
		if len(params) != 1 {
			return fmt.Errorf("usage: watch <type>")
		}
		return watch(ctx, cfg, params[0], stdout, logger)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func withFactory(ctx context.Context, cfg *config.Config, logger *slog.Logger, fn func(*entitydao.Factory) error) error {
	f, err := config.NewFactory(cfg, logger)
	if err != nil {
		return err
	}
	if err := f.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := f.Close(context.Background()); err != nil {
			logger.Warn("failed to close factory", "error", err)
		}
	}()
	return fn(f)
}

// keyKind returns the configured key kind of entityType, or the -key flag.
func keyKind(cfg *config.Config, cli *cliConfig, entityType string) (key.Kind, error) {
	reg, err := cfg.Registry()
	if err != nil {
		return key.KindInvalid, err
	}
	if s, ok := reg.Lookup(entityType); ok {
		return s.Key, nil
	}
	return key.ParseKind(cli.KeyKind)
}

func probeByKind(ctx context.Context, f *entitydao.Factory, entityType string, kind key.Kind) (string, bool, error) {
	switch kind {
	case key.KindInt32:
		return probe[int32](ctx, f, entityType)
	case key.KindInt64:
		return probe[int64](ctx, f, entityType)
	case key.KindString:
		return probe[string](ctx, f, entityType)
	}
	return "", false, fmt.Errorf("unsupported key kind %s", kind)
}

func probe[K key.Key](ctx context.Context, f *entitydao.Factory, entityType string) (string, bool, error) {
	dao, err := entitydao.GetDao[K](ctx, f, entityType)
	if err != nil {
		return "", false, err
	}
	highest, ok, err := dao.Store().MaxKey(ctx)
	if err != nil || !ok {
		return "", false, err
	}
	return key.Format(highest), true, nil
}

func getByKind(ctx context.Context, f *entitydao.Factory, entityType, rawKey string, kind key.Kind) (*recordView, error) {
	switch kind {
	case key.KindInt32:
		return get[int32](ctx, f, entityType, rawKey)
	case key.KindInt64:
		return get[int64](ctx, f, entityType, rawKey)
	case key.KindString:
		return get[string](ctx, f, entityType, rawKey)
	}
	return nil, fmt.Errorf("unsupported key kind %s", kind)
}

func get[K key.Key](ctx context.Context, f *entitydao.Factory, entityType, rawKey string) (*recordView, error) {
	k, err := key.Parse[K](rawKey)
	if err != nil {
		return nil, err
	}
	dao, err := entitydao.GetDao[K](ctx, f, entityType)
	if err != nil {
		return nil, err
	}
	obj, err := dao.FindByKey(ctx, k)
	if err != nil {
		return nil, err
	}
	return newRecordView(entityType, obj.Record()), nil
}

func newRecordView[K key.Key](entityType string, rec *entity.Record[K]) *recordView {
	return &recordView{
		Type:      entityType,
		Key:       key.Format(rec.Key),
		Version:   rec.Version,
		Lock:      rec.Lock.String(),
		CreatedAt: rec.CreatedAt.String(),
		UpdatedAt: rec.UpdatedAt.String(),
		Fields:    rec.Fields,
	}
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func printSchemas(path string, w io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	schemas, err := processor.Extract(data)
	if err != nil {
		return err
	}
	return processor.Render(w, schemas)
}

// watch prints every event of entityType published on NATS until ctx is done.
func watch(ctx context.Context, cfg *config.Config, entityType string, w io.Writer, logger *slog.Logger) error {
	if cfg.NATS.URL == "" {
		return fmt.Errorf("nats.url is not configured")
	}
	prefix := cfg.NATS.Prefix
	if prefix == "" {
		prefix = natsbus.DefaultPrefix
	}

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("entitydao-cli"))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.NATS.URL, err)
	}
	defer nc.Close()

	var mu sync.Mutex
	subject := natsbus.Subject(prefix, entityType, "*")
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var m natsbus.Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			logger.Warn("skipping undecodable message", "subject", msg.Subject, "error", err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "%s %s %s v%d session=%s\n", m.Time.Format("15:04:05"), m.Kind, m.Key, m.Version, m.Session)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer sub.Unsubscribe()

	logger.Info("watching entity events", "subject", subject)
	<-ctx.Done()
	return nil
}
