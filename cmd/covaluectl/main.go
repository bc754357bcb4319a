// Command covaluectl is a small demo CLI over the covalue engine: create,
// read, update, and delete co-values against a selectable Peer backend,
// and drain/push inbox messages.
//
// Grounded on cmd/bd's root-command structure (persistent flags wired in
// init, a PersistentPreRun that resolves the storage backend once for
// every subcommand) trimmed to this module's much smaller surface.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	covalue "github.com/oMaiaCity/covalue"
	"github.com/oMaiaCity/covalue/internal/coid"
	"github.com/oMaiaCity/covalue/internal/inbox"
	"github.com/oMaiaCity/covalue/internal/peer/dolt"
	"github.com/oMaiaCity/covalue/internal/peer/jsonfile"
	"github.com/oMaiaCity/covalue/internal/schema/yamlresolver"
)

var (
	peerKind  string
	statePath string
	doltDSN   string
	schemaDir string

	engine   *covalue.Engine
	resolver *yamlresolver.Resolver
	closeFn  func() error
)

func init() {
	viper.SetEnvPrefix("COVALUE")
	viper.AutomaticEnv()

	rootCmd.PersistentFlags().StringVar(&peerKind, "peer", "memory", "Peer backend: memory, jsonfile, dolt")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", ".covalue/state.json", "State file path (jsonfile peer)")
	rootCmd.PersistentFlags().StringVar(&doltDSN, "dolt-dsn", "", "go-sql-driver/mysql DSN for a running dolt sql-server (dolt peer)")
	rootCmd.PersistentFlags().StringVar(&schemaDir, "schema-dir", "", "Directory of *.yaml schema documents")
}

var rootCmd = &cobra.Command{
	Use:   "covaluectl",
	Short: "covaluectl - demo CLI for the covalue CRUD/reactive engine",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		return setupEngine(cmd.Context())
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if closeFn != nil {
			return closeFn()
		}
		return nil
	},
}

func setupEngine(ctx context.Context) error {
	if schemaDir != "" {
		r, err := yamlresolver.LoadDir(schemaDir)
		if err != nil {
			return fmt.Errorf("loading schema directory: %w", err)
		}
		resolver = r
	} else {
		resolver = yamlresolver.New()
	}

	var p covalue.Peer
	switch peerKind {
	case "memory":
		p = covalue.NewMemoryPeer()
	case "jsonfile":
		jp, err := jsonfile.Open(statePath)
		if err != nil {
			return fmt.Errorf("opening jsonfile peer at %s: %w", statePath, err)
		}
		p = jp
		closeFn = jp.Close
	case "dolt":
		cfg := dolt.Config{ServerDSN: doltDSN}
		dp, err := dolt.Open(ctx, cfg)
		if err != nil {
			return fmt.Errorf("opening dolt peer: %w", err)
		}
		p = dp
		closeFn = dp.Close
	default:
		return fmt.Errorf("unknown --peer %q (want memory, jsonfile, or dolt)", peerKind)
	}

	engine = covalue.NewEngine(p, resolver, "")
	return nil
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

var createCmd = &cobra.Command{
	Use:   "create [schema-key] [json-data]",
	Short: "Create a co-value against a schema",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var data map[string]any
		if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
			return fmt.Errorf("parsing json-data: %w", err)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		created, err := engine.Create(ctx, args[0], data, "")
		if err != nil {
			return err
		}
		printJSON(created)
		return nil
	},
}

var readCmd = &cobra.Command{
	Use:   "read [co-id]",
	Short: "Read a single co-value by id, deep-resolving references",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, ok := coid.Parse(args[0])
		if !ok {
			return fmt.Errorf("not a valid co-id: %s", args[0])
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		store := engine.Read(ctx, covalue.ReadRequest{CoID: id, Options: covalue.ReadOptions{DeepResolve: true}})
		result := store.Value()
		for result.Loading {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
			result = store.Value()
		}
		if result.Error != nil {
			return result.Error
		}
		printJSON(result.Data)
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update [co-id] [json-data]",
	Short: "Update fields on a comap co-value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, ok := coid.Parse(args[0])
		if !ok {
			return fmt.Errorf("not a valid co-id: %s", args[0])
		}
		var data map[string]any
		if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
			return fmt.Errorf("parsing json-data: %w", err)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		return engine.Update(ctx, id, data)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete [schema-key] [co-id]",
	Short: "Delete a co-value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, ok := coid.Parse(args[1])
		if !ok {
			return fmt.Errorf("not a valid co-id: %s", args[1])
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		return engine.Delete(ctx, args[0], id)
	},
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Drain or push inbox messages",
}

var inboxProcessCmd = &cobra.Command{
	Use:   "process [actor] [inbox-co-id]",
	Short: "Drain unprocessed messages from an inbox costream",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, ok := coid.Parse(args[1])
		if !ok {
			return fmt.Errorf("not a valid co-id: %s", args[1])
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		result, err := inbox.ProcessInbox(ctx, engine, args[0], id)
		if err != nil {
			return err
		}
		printJSON(result.Messages)
		return nil
	},
}

var inboxPushCmd = &cobra.Command{
	Use:   "push [inbox-co-id] [json-message]",
	Short: "Create a message and push it onto an inbox costream",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, ok := coid.Parse(args[0])
		if !ok {
			return fmt.Errorf("not a valid co-id: %s", args[0])
		}
		var message map[string]any
		if err := json.Unmarshal([]byte(args[1]), &message); err != nil {
			return fmt.Errorf("parsing json-message: %w", err)
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		created, err := inbox.CreateAndPushMessage(ctx, engine, resolver, id, message)
		if err != nil {
			return err
		}
		printJSON(created)
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every co-id the peer knows about",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		printJSON(engine.Peer.AllIDs(ctx))
		return nil
	},
}

func main() {
	inboxCmd.AddCommand(inboxProcessCmd, inboxPushCmd)
	rootCmd.AddCommand(createCmd, readCmd, updateCmd, deleteCmd, inboxCmd, listCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
