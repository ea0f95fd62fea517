// Package config holds the tunable limits and timeouts for the tree
// database core.
//
// treedb is an embedded library with no process environment to read
// from, so Default() returns a Config with every field set to its
// documented default. Callers that need different limits construct a
// Config by hand and pass it to facade.Open.
package config

import "fmt"

// Limits bounds the size of operations and in-memory structures the core
// will accept.
type Limits struct {
	// MaxUndoStackSize caps the command pipeline's undo ring buffer.
	MaxUndoStackSize int
	// MaxRedoStackSize caps the command pipeline's redo ring buffer.
	MaxRedoStackSize int
	// MaxEventHistorySize caps the command pipeline's event ring buffer.
	MaxEventHistorySize int
	// MaxCopyNodes caps copyNodes/exportNodes materialisation.
	MaxCopyNodes int
	// MaxPasteNodes caps pasteNodes/importNodes in a single call.
	MaxPasteNodes int
	// MaxNameLength caps TreeNode.Name and WorkingCopy.Name.
	MaxNameLength int
	// MaxCommandIDLength caps command.Envelope.CommandID.
	MaxCommandIDLength int
	// MaxErrorMessageLength caps error text recorded into the event ring buffer.
	MaxErrorMessageLength int
	// MaxTreeDepth bounds ancestor/descendant walks (cycle guard).
	MaxTreeDepth int
}

// Timeouts holds duration-shaped settings. Durations are expressed in
// milliseconds and converted to time.Duration at the call site.
type Timeouts struct {
	// CommandTimeoutMS is the per-command timeout guideline (not enforced by
	// a hard deadline inside the core; long traversals bound themselves).
	CommandTimeoutMS int
	// SubscriptionGCIntervalMS is how often the Subscription Service sweeps
	// inactive/idle subscriptions.
	SubscriptionGCIntervalMS int
	// SubscriptionIdleLimitMS is how long a subscription may go without a
	// delivered event before the GC sweep considers it idle.
	SubscriptionIdleLimitMS int
}

// Database names the two logical embedded-store namespaces.
type Database struct {
	// AppName prefixes the ephemeral store's temp directory
	// ("${AppName}-ephemeral-*"). The durable store's path does not
	// include it.
	AppName string
	// DataDir is the filesystem directory the durable store opens directly.
	// The ephemeral store does not use this value; it opens in its own temp
	// directory, which Close removes.
	DataDir string
}

// Config is the top-level configuration object threaded through store.Open,
// the command pipeline, and the subscription service.
type Config struct {
	Database Database
	Limits   Limits
	Timeouts Timeouts
}

// Default returns a Config with every numeric constant set to its
// documented default.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Database.AppName = "my-app"
//	cfg.Database.DataDir = "./data/my-app"
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err)
//	}
func Default() *Config {
	return &Config{
		Database: Database{
			AppName: "treedb",
			DataDir: "./data/treedb",
		},
		Limits: Limits{
			MaxUndoStackSize:      100,
			MaxRedoStackSize:      100,
			MaxEventHistorySize:   1000,
			MaxCopyNodes:          1000,
			MaxPasteNodes:         1000,
			MaxNameLength:         255,
			MaxCommandIDLength:    100,
			MaxErrorMessageLength: 200,
			MaxTreeDepth:          50,
		},
		Timeouts: Timeouts{
			CommandTimeoutMS:         30_000,
			SubscriptionGCIntervalMS: 300_000,
			SubscriptionIdleLimitMS:  300_000,
		},
	}
}

// Validate checks that every limit and timeout is a usable positive value
// and that the database names are non-empty.
func (c *Config) Validate() error {
	if c.Database.AppName == "" {
		return fmt.Errorf("config: Database.AppName must not be empty")
	}
	if c.Limits.MaxUndoStackSize <= 0 {
		return fmt.Errorf("config: Limits.MaxUndoStackSize must be positive")
	}
	if c.Limits.MaxRedoStackSize <= 0 {
		return fmt.Errorf("config: Limits.MaxRedoStackSize must be positive")
	}
	if c.Limits.MaxEventHistorySize <= 0 {
		return fmt.Errorf("config: Limits.MaxEventHistorySize must be positive")
	}
	if c.Limits.MaxCopyNodes <= 0 {
		return fmt.Errorf("config: Limits.MaxCopyNodes must be positive")
	}
	if c.Limits.MaxPasteNodes <= 0 {
		return fmt.Errorf("config: Limits.MaxPasteNodes must be positive")
	}
	if c.Limits.MaxNameLength <= 0 {
		return fmt.Errorf("config: Limits.MaxNameLength must be positive")
	}
	if c.Limits.MaxCommandIDLength <= 0 {
		return fmt.Errorf("config: Limits.MaxCommandIDLength must be positive")
	}
	if c.Limits.MaxErrorMessageLength <= 0 {
		return fmt.Errorf("config: Limits.MaxErrorMessageLength must be positive")
	}
	if c.Limits.MaxTreeDepth <= 0 {
		return fmt.Errorf("config: Limits.MaxTreeDepth must be positive")
	}
	if c.Timeouts.CommandTimeoutMS <= 0 {
		return fmt.Errorf("config: Timeouts.CommandTimeoutMS must be positive")
	}
	if c.Timeouts.SubscriptionGCIntervalMS <= 0 {
		return fmt.Errorf("config: Timeouts.SubscriptionGCIntervalMS must be positive")
	}
	if c.Timeouts.SubscriptionIdleLimitMS <= 0 {
		return fmt.Errorf("config: Timeouts.SubscriptionIdleLimitMS must be positive")
	}
	return nil
}

// String renders the config for log lines.
func (c *Config) String() string {
	return fmt.Sprintf("Config{App:%s Dir:%s MaxUndo:%d MaxRedo:%d MaxTreeDepth:%d}",
		c.Database.AppName, c.Database.DataDir,
		c.Limits.MaxUndoStackSize, c.Limits.MaxRedoStackSize, c.Limits.MaxTreeDepth)
}
