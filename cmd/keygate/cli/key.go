package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/keygate/keygate/internal/config"
	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "key",
		Aliases: []string{"apikey"},
		Short:   "Manage API keys",
		Long:    "Create, inspect, rename, revoke and delete API keys directly in the key database.",
	}

	cmd.AddCommand(newKeyCreateCmd())
	cmd.AddCommand(newKeyListCmd())
	cmd.AddCommand(newKeyGetCmd())
	cmd.AddCommand(newKeyRenameCmd())
	cmd.AddCommand(newKeyRevokeCmd())
	cmd.AddCommand(newKeyDeleteCmd())
	cmd.AddCommand(newKeyCountCmd())
	cmd.AddCommand(newKeyVerifyCmd())

	return cmd
}

// withStore opens the key store, runs fn and closes the store.
func withStore(fn func(store *config.Store) error) error {
	store, err := openStoreQuiet()
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// describe turns a store error into a message fit for the terminal.
func describe(err error, op string) error {
	var vErr *config.ValidationError
	if errors.As(err, &vErr) {
		return vErr
	}
	return errors.Wrap(err, op)
}

// ---------- key create ----------

func newKeyCreateCmd() *cobra.Command {
	var (
		name        string
		permissions []string
		expiresIn   time.Duration
		jsonOutput  bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new API key",
		Long:  "Generate a new API key. The raw key is shown once and cannot be retrieved again.",
		Example: `  keygate key create --name "CI pipeline" --permission deploy --permission read
  keygate key create --name ops --permission admin --expires-in 720h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var perms []string
			if cmd.Flags().Changed("permission") {
				perms = permissions
			}
			return runKeyCreate(cmd, name, perms, expiresIn, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Human-readable name for the key (required)")
	cmd.Flags().StringArrayVar(&permissions, "permission", nil, `Permission to grant; repeatable (default "*")`)
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expire the key after this duration (default: never)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	cmd.MarkFlagRequired("name")

	return cmd
}

func runKeyCreate(cmd *cobra.Command, name string, perms []string, expiresIn time.Duration, jsonOutput bool) error {
	if expiresIn < 0 {
		return errors.New("--expires-in must be positive")
	}
	var expiresAt *time.Time
	if expiresIn > 0 {
		t := time.Now().Add(expiresIn)
		expiresAt = &t
	}

	return withStore(func(store *config.Store) error {
		plaintext, key, err := store.CreateAPIKey(cmd.Context(), name, perms, expiresAt)
		if err != nil {
			return describe(err, "create api key")
		}

		out := cmd.OutOrStdout()
		if jsonOutput {
			return printJSON(out, model.NewCreatedKey(plaintext, key))
		}

		fmt.Fprintln(out, "API key created:")
		fmt.Fprintln(out)
		fmt.Fprintf(out, "  Key:         %s\n", plaintext)
		fmt.Fprintf(out, "  ID:          %s\n", key.ID)
		fmt.Fprintf(out, "  Name:        %s\n", key.Name)
		fmt.Fprintf(out, "  Permissions: %s\n", strings.Join(key.Permissions, ", "))
		if key.ExpiresAt != nil {
			fmt.Fprintf(out, "  Expires:     %s\n", key.ExpiresAt.Format(time.RFC3339))
		}
		fmt.Fprintln(out)
		fmt.Fprintln(out, "  Save this key now - it cannot be retrieved again.")
		return nil
	})
}

// ---------- key list ----------

func newKeyListCmd() *cobra.Command {
	var (
		all        bool
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *config.Store) error {
				keys, err := store.ListAPIKeys(cmd.Context(), all)
				if err != nil {
					return describe(err, "list api keys")
				}
				return printKeyList(cmd.OutOrStdout(), keys, jsonOutput)
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include revoked keys")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func printKeyList(out io.Writer, keys []model.APIKey, jsonOutput bool) error {
	views := make([]model.KeyView, len(keys))
	for i := range keys {
		views[i] = keys[i].View()
	}

	if jsonOutput {
		return printJSON(out, views)
	}

	if len(views) == 0 {
		fmt.Fprintln(out, "No API keys found. Use 'keygate key create' to create one.")
		return nil
	}

	const row = "%-36s %-16s %-24s %-20s %-8s\n"
	fmt.Fprintf(out, row, "ID", "PREFIX", "NAME", "LAST USED", "STATUS")
	fmt.Fprintf(out, row, "--", "------", "----", "---------", "------")
	now := time.Now()
	for i, k := range keys {
		lastUsed := "never"
		if k.LastUsedAt != nil {
			lastUsed = k.LastUsedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(out, row, views[i].ID, views[i].Prefix, truncate(k.Name, 24), lastUsed, keyStatus(&keys[i], now))
	}
	return nil
}

func keyStatus(k *model.APIKey, now time.Time) string {
	switch {
	case k.Revoked:
		return "revoked"
	case k.IsExpired(now):
		return "expired"
	default:
		return "active"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ---------- key get ----------

func newKeyGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one API key as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *config.Store) error {
				key, err := store.GetAPIKey(cmd.Context(), args[0])
				if err != nil {
					return describe(err, "get api key")
				}
				if key == nil {
					return errors.Errorf("no API key with id %q", args[0])
				}
				return printJSON(cmd.OutOrStdout(), key.View())
			})
		},
	}
}

// ---------- key rename ----------

func newKeyRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename an API key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *config.Store) error {
				ok, err := store.RenameAPIKey(cmd.Context(), args[0], args[1])
				if err != nil {
					return describe(err, "rename api key")
				}
				if !ok {
					return errors.Errorf("no API key with id %q", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Renamed API key %s to %q\n", args[0], strings.TrimSpace(args[1]))
				return nil
			})
		},
	}
}

// ---------- key revoke ----------

func newKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Long:  "Mark an API key revoked. It stays listed with --all but no longer authenticates.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *config.Store) error {
				ok, err := store.RevokeAPIKey(cmd.Context(), args[0])
				if err != nil {
					return describe(err, "revoke api key")
				}
				if !ok {
					key, err := store.GetAPIKey(cmd.Context(), args[0])
					if err != nil {
						return describe(err, "revoke api key")
					}
					if key == nil {
						return errors.Errorf("no API key with id %q", args[0])
					}
					fmt.Fprintf(cmd.OutOrStdout(), "API key %s was already revoked\n", args[0])
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked API key %s\n", args[0])
				return nil
			})
		},
	}
}

// ---------- key delete ----------

func newKeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Permanently delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *config.Store) error {
				ok, err := store.DeleteAPIKey(cmd.Context(), args[0])
				if err != nil {
					return describe(err, "delete api key")
				}
				if !ok {
					return errors.Errorf("no API key with id %q", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted API key %s\n", args[0])
				return nil
			})
		},
	}
}

// ---------- key count ----------

func newKeyCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of non-revoked API keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *config.Store) error {
				n, err := store.CountActiveAPIKeys(cmd.Context())
				if err != nil {
					return describe(err, "count api keys")
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

// ---------- key verify ----------

func newKeyVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check whether an API key is valid",
		Long: `Read an API key from the terminal (input is hidden) or from stdin and
report whether it authenticates. A successful check records the key as used.`,
		Example: `  keygate key verify
  echo "$API_KEY" | keygate key verify`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readSecret(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			return withStore(func(store *config.Store) error {
				auth := service.NewAuthService(store, "", nil)
				key, err := auth.Authenticate(cmd.Context(), token)
				switch {
				case errors.Is(err, config.ErrInternal):
					return describe(err, "verify api key")
				case err != nil:
					return errors.New("API key is not valid")
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, "API key is valid")
				fmt.Fprintf(out, "  ID:          %s\n", key.ID)
				fmt.Fprintf(out, "  Name:        %s\n", key.Name)
				fmt.Fprintf(out, "  Permissions: %s\n", strings.Join(key.Permissions, ", "))
				return nil
			})
		},
	}
}

// readSecret reads one line without echo when in is a terminal, and the
// first line of in otherwise.
func readSecret(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "API key: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", errors.Wrap(err, "read api key")
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", errors.Wrap(err, "read api key")
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return "", errors.New("no API key given on stdin")
	}
	return token, nil
}
