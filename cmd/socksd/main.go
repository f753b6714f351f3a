// Package main implements the SOCKS5 server console.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/desertbit/grumble"
	"github.com/jedib0t/go-pretty/table"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"sockslib/pkg/resolve"
	"sockslib/pkg/socks5"
	"sockslib/pkg/socks5/statute"
)

// CLI banner with version.
const banner = `
                _            _
 ___  ___   ___| | _____  __| |
/ __|/ _ \ / __| |/ / __|/ _' |
\__ \ (_) | (__|   <\__ \ (_| |
|___/\___/ \___|_|\_\___/\__,_|

   SOCKS5 Proxy Server Console (v1.0)
   ----------------------------------

`

// Config holds the console defaults loaded at startup. Every field is
// optional; flags on the listen command override the configured values.
type Config struct {
	Listen   string            `json:"listen,omitempty"`    // default listen address
	Users    map[string]string `json:"users,omitempty"`     // username/password pairs
	Resolver string            `json:"resolver,omitempty"`  // upstream DNS server (host:port, or "system")
	LogLevel string            `json:"log_level,omitempty"` // zerolog level name
}

// Listener tracks one running SOCKS5 server and the settings it was
// started with.
type Listener struct {
	Addr      string             // bound address
	Server    *socks5.Server     // serving instance
	Cancel    context.CancelFunc // stops the accept loop and its sessions
	Auth      bool               // username/password required
	Resolver  string             // upstream DNS server, empty when the dial resolves
	UDP       bool               // UDP ASSOCIATE allowed
	StartedAt time.Time          // start time
}

// Global state.
var (
	config    *Config    // app config
	users     *userStore // credential store shared by every listener
	listeners sync.Map   // bound address -> *Listener
)

// LoadConfig reads and parses the config file. A missing file is not an
// error: every setting has a workable default.
func LoadConfig(configPath string) (*Config, error) {
	// Use default config path (./config.json) if none provided
	if configPath == "" {
		configPath = "./config.json"
	}

	// Get absolute path for clearer error messages
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %v", err)
	}

	config := new(Config)
	data, err := os.ReadFile(absPath)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %v", absPath, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %v", absPath, err)
	}

	return config, nil
}

// Validate checks the config fields that must parse when present.
func (config *Config) Validate() error {
	if config.Listen != "" {
		if _, _, err := net.SplitHostPort(config.Listen); err != nil {
			return fmt.Errorf("invalid listen address %q: %v", config.Listen, err)
		}
	}
	if config.LogLevel != "" {
		if _, err := zerolog.ParseLevel(config.LogLevel); err != nil {
			return fmt.Errorf("invalid log_level %q: %v", config.LogLevel, err)
		}
	}
	return nil
}

// userStore is the mutable credential store behind every authenticated
// listener. adduser and deluser rewrite it from the console goroutine
// while in-flight handshakes read it concurrently.
type userStore struct {
	mu    sync.RWMutex
	creds socks5.StaticCredentials
}

func newUserStore(users map[string]string) *userStore {
	creds := socks5.StaticCredentials{}
	for user, pass := range users {
		creds[user] = pass
	}
	return &userStore{creds: creds}
}

// Valid implements socks5.CredentialStore.
func (s *userStore) Valid(username, password []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.Valid(username, password)
}

// Set adds or replaces a user.
func (s *userStore) Set(user, pass string) {
	s.mu.Lock()
	s.creds[user] = pass
	s.mu.Unlock()
}

// Delete removes a user, reporting whether it existed.
func (s *userStore) Delete(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.creds[user]; !ok {
		return false
	}
	delete(s.creds, user)
	return true
}

// Names returns the known usernames, sorted.
func (s *userStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.creds))
	for user := range s.creds {
		names = append(names, user)
	}
	sort.Strings(names)
	return names
}

// newResolver builds the resolver chain for a listener: the given DNS
// upstream behind a TTL cache, the cached system resolver for the name
// "system", or nil to leave resolution to the dial function.
func newResolver(upstream string) resolve.Resolver {
	switch upstream {
	case "":
		return nil
	case "system":
		return resolve.NewCached(resolve.System{}, time.Minute)
	}
	if _, _, err := net.SplitHostPort(upstream); err != nil {
		upstream = net.JoinHostPort(upstream, "53")
	}
	return resolve.NewCached(&resolve.DNS{Server: upstream}, 5*time.Minute)
}

// RenderListenerTable formats the running listeners into a
// human-readable table.
func RenderListenerTable(ll []*Listener) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	// Set up headers
	t.AppendHeader(table.Row{
		"Address",
		"Auth",
		"UDP",
		"Resolver",
		"Sessions",
		"Started",
	})

	// Add rows for each listener
	for _, l := range ll {
		resolver := l.Resolver
		if resolver == "" {
			resolver = "-"
		}
		t.AppendRow(table.Row{
			l.Addr,
			yesNo(l.Auth),
			yesNo(l.UDP),
			resolver,
			len(l.Server.Sessions()),
			l.StartedAt.Format("2006-01-02 15:04:05"),
		})
	}

	// Configure column options for better readability
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1}, // Address
		{Number: 2}, // Auth
		{Number: 3}, // UDP
		{Number: 4}, // Resolver
		{Number: 5}, // Sessions
		{Number: 6}, // Started
	})

	return t.Render()
}

// sessionRow pairs a session snapshot with the listener serving it.
type sessionRow struct {
	Listener string
	socks5.Session
}

// RenderSessionTable formats the live sessions of every listener.
func RenderSessionTable(rows []sessionRow) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)

	t.AppendHeader(table.Row{
		"Session ID",
		"Listener",
		"Client",
		"State",
		"Command",
		"Target",
		"Started",
	})

	for _, r := range rows {
		command, target := "-", "-"
		if r.Target != "" {
			command = r.Command.String()
			target = r.Target
		}
		t.AppendRow(table.Row{
			r.ID,
			r.Listener,
			r.Client,
			r.State,
			command,
			target,
			r.CreatedAt.Format("15:04:05"),
		})
	}

	return t.Render()
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// AddCommands registers all CLI commands with the application.
// This includes commands for listener control, session inspection, and
// credential management.
func AddCommands(app *grumble.App) {
	// Command to start a listener
	app.AddCommand(&grumble.Command{
		Name:    "listen",
		Aliases: []string{"start"},
		Help:    "start a SOCKS5 listener",
		Flags: func(f *grumble.Flags) {
			f.String("l", "listen", "", "listen address (defaults to the configured one)")
			f.Bool("a", "auth", false, "require username/password authentication")
			f.Bool("n", "no-udp", false, "refuse UDP ASSOCIATE requests")
			f.String("r", "resolver", "", "resolve targets through this DNS server (host:port, or 'system')")
		},
		Run: func(c *grumble.Context) error {
			addr := c.Flags.String("listen")
			if addr == "" {
				addr = config.Listen
			}
			if addr == "" {
				addr = "127.0.0.1:1080"
			}

			requireAuth := c.Flags.Bool("auth")
			if requireAuth && len(users.Names()) == 0 {
				log.Warn().Msg("No users configured. Use 'adduser <name> <password>' first")
				return nil
			}

			upstream := c.Flags.String("resolver")
			if upstream == "" {
				upstream = config.Resolver
			}

			opts := []socks5.Option{socks5.WithLogger(log.Logger)}
			if requireAuth {
				opts = append(opts, socks5.WithCredentials(users))
			}
			if r := newResolver(upstream); r != nil {
				opts = append(opts, socks5.WithResolver(r))
			}
			allowUDP := !c.Flags.Bool("no-udp")
			if !allowUDP {
				opts = append(opts, socks5.WithRules(
					func(_ context.Context, req *statute.Request, _ net.Addr) bool {
						return req.Command != statute.CommandAssociate
					}))
			}

			// Listen synchronously so address errors surface here, not
			// in the serve goroutine.
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				log.Error().Err(err).Str("addr", addr).Msg("Failed to listen on address")
				return nil
			}

			ctx, cancel := context.WithCancel(context.Background())
			listener := &Listener{
				Addr:      ln.Addr().String(),
				Server:    socks5.New(opts...),
				Cancel:    cancel,
				Auth:      requireAuth,
				Resolver:  upstream,
				UDP:       allowUDP,
				StartedAt: time.Now(),
			}
			listeners.Store(listener.Addr, listener)

			go func() {
				err := listener.Server.Serve(ctx, ln)
				if err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Str("addr", listener.Addr).Msg("Listener terminated")
				}
				listeners.Delete(listener.Addr)
			}()

			log.Info().Str("addr", listener.Addr).
				Bool("auth", requireAuth).
				Bool("udp", allowUDP).
				Msg("Listener started")
			return nil
		},
	})
	// Command to stop listeners
	app.AddCommand(&grumble.Command{
		Name: "stop",
		Help: "stop one or more listeners (all when none given)",
		Args: func(a *grumble.Args) {
			a.StringList("addresses", "addresses of the listeners to stop")
		},
		Completer: CompleteListeners,
		Run: func(c *grumble.Context) error {
			addrs := c.Args.StringList("addresses")
			if len(addrs) == 0 {
				addrs = CompleteListeners("", nil)
			}
			if len(addrs) == 0 {
				log.Warn().Msg("No listener running")
				return nil
			}

			for _, addr := range addrs {
				value, exists := listeners.LoadAndDelete(addr)
				if !exists {
					log.Warn().Str("addr", addr).Msg("No listener on this address")
					continue
				}
				value.(*Listener).Cancel()
				log.Info().Str("addr", addr).Msg("Listener stopped")
			}
			return nil
		},
	})
	// Command to list running listeners
	app.AddCommand(&grumble.Command{
		Name:    "listeners",
		Aliases: []string{"ls"},
		Help:    "list running listeners",
		Run: func(c *grumble.Context) error {
			var ll []*Listener
			listeners.Range(func(_, value any) bool {
				ll = append(ll, value.(*Listener))
				return true
			})

			if len(ll) == 0 {
				log.Info().Msg("No listener running")
				return nil
			}

			sort.Slice(ll, func(i, j int) bool { return ll[i].Addr < ll[j].Addr })
			c.App.Println(RenderListenerTable(ll))
			return nil
		},
	})
	// Command to inspect live sessions
	app.AddCommand(&grumble.Command{
		Name:    "sessions",
		Aliases: []string{"ps"},
		Help:    "list the connections currently being served",
		Run: func(c *grumble.Context) error {
			var rows []sessionRow
			listeners.Range(func(_, value any) bool {
				l := value.(*Listener)
				for _, s := range l.Server.Sessions() {
					rows = append(rows, sessionRow{Listener: l.Addr, Session: s})
				}
				return true
			})

			if len(rows) == 0 {
				log.Info().Msg("No active session")
				return nil
			}

			sort.Slice(rows, func(i, j int) bool {
				return rows[i].CreatedAt.Before(rows[j].CreatedAt)
			})
			c.App.Println(RenderSessionTable(rows))
			return nil
		},
	})
	// Command to add a user
	app.AddCommand(&grumble.Command{
		Name: "adduser",
		Help: "add or update a user in the credential store",
		Args: func(a *grumble.Args) {
			a.String("username", "name of the user")
			a.String("password", "password of the user")
		},
		Run: func(c *grumble.Context) error {
			username := c.Args.String("username")
			users.Set(username, c.Args.String("password"))
			log.Info().Str("user", username).Msg("User stored")
			return nil
		},
	})
	// Command to remove a user
	app.AddCommand(&grumble.Command{
		Name:      "deluser",
		Help:      "remove a user from the credential store",
		Completer: CompleteUsers,
		Args: func(a *grumble.Args) {
			a.String("username", "name of the user to remove")
		},
		Run: func(c *grumble.Context) error {
			username := c.Args.String("username")
			if !users.Delete(username) {
				log.Warn().Str("user", username).Msg("Unknown user")
				return nil
			}
			log.Info().Str("user", username).Msg("User removed")
			return nil
		},
	})
}

// CompleteListeners provides tab completion for listener addresses.
func CompleteListeners(_ string, _ []string) []string {
	var completions []string
	listeners.Range(func(key, _ any) bool {
		completions = append(completions, key.(string))
		return true
	})
	sort.Strings(completions)
	return completions
}

// CompleteUsers provides tab completion for usernames.
func CompleteUsers(_ string, _ []string) []string {
	return users.Names()
}

// -----------------------------------------------------------------------------
// Main Application Entry
// -----------------------------------------------------------------------------

// main is the entry point for the application.
// It sets up the CLI, configuration, and command handlers.
func main() {
	// Set up logging
	configureLogging()

	// Configure and create the CLI app
	app := setupCLI()

	// Add all command handlers
	AddCommands(app)

	// Run the application and handle any errors
	if err := app.Run(); err != nil {
		log.Fatal().Msg(err.Error())
	}
}

// configureLogging sets up zerolog with appropriate formatting and level.
func configureLogging() {
	// Configure zerolog with a pretty console writer for interactive use
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: "15:04:05",
	})

	// Set reasonable default log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// setupCLI initializes the command-line interface with basic configuration.
// Returns a configured grumble App instance.
func setupCLI() *grumble.App {
	// Determine history file location
	var histFile string
	home, err := os.UserHomeDir()
	if err != nil {
		histFile = ".socksd" // current working directory
	} else {
		histFile = filepath.Join(home, ".socksd") // home directory
	}

	// Create and configure the CLI app
	app := grumble.New(&grumble.Config{
		Name:        "socksd",
		HistoryFile: histFile,
		Flags: func(f *grumble.Flags) {
			f.String("c", "config", "config.json", "path to configuration file")
		},
	})

	// Set up our ASCII art banner
	app.SetPrintASCIILogo(func(a *grumble.App) {
		fmt.Print(banner)
	})

	// Initialize configuration when the app starts
	app.OnInit(func(a *grumble.App, flags grumble.FlagMap) error {
		// Load configuration from file
		var err error
		config, err = LoadConfig(flags.String("config"))
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		// Validate the configuration
		if err := config.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %v", err)
		}

		// Apply the configured log level
		if config.LogLevel != "" {
			level, _ := zerolog.ParseLevel(config.LogLevel)
			zerolog.SetGlobalLevel(level)
		}

		// Seed the credential store
		users = newUserStore(config.Users)

		return nil
	})

	return app
}
