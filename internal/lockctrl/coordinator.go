package lockctrl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"kiwi-bridge/internal/wire"
)

const (
	defaultCooldown = 60 * time.Second
	responseWait    = 30 * time.Second
)

// ValidationError is a user-facing rejection of an unlock confirmation. It
// never triggers the cooldown.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "lockctrl: " + e.Reason }

// TokenSource yields the account access token backing the MFA exchange.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Verifier exchanges the secure password for a single-use secure token.
type Verifier interface {
	CreateMFAToken(ctx context.Context, token, uid, password string) (string, error)
}

// CommandQueue accepts outbound command frames for the active connection.
type CommandQueue interface {
	Enqueue(m wire.Message)
}

// Correlator resolves CtrlResponse frames by messageId.
type Correlator interface {
	Await(messageID string) <-chan wire.Message
}

// Coordinator drives the two-step remote unlock for one lock: arm with the
// secure password, then Confirm. The password is single-use and the lock is
// rate limited by a cooldown after each accepted confirmation.
type Coordinator struct {
	deviceID string
	uid      string
	dataDir  string
	cooldown time.Duration

	tokens   TokenSource
	verifier Verifier
	queue    CommandQueue
	corr     Correlator

	mu          sync.Mutex
	password    string
	unlockData  string
	lastTrigger time.Time
	resetTimer  *time.Timer
	now         func() time.Time
}

func NewCoordinator(deviceID, uid, dataDir string, cooldown time.Duration,
	tokens TokenSource, verifier Verifier, queue CommandQueue, corr Correlator) *Coordinator {
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	c := &Coordinator{
		deviceID: deviceID,
		uid:      uid,
		dataDir:  dataDir,
		cooldown: cooldown,
		tokens:   tokens,
		verifier: verifier,
		queue:    queue,
		corr:     corr,
		now:      time.Now,
	}
	c.loadUnlockData()
	return c
}

func (c *Coordinator) DeviceID() string { return c.deviceID }

// SetPassword arms the coordinator with the account's secure password. The
// password is consumed by the next successful Confirm.
func (c *Coordinator) SetPassword(p string) {
	c.mu.Lock()
	c.password = p
	c.mu.Unlock()
}

// SetUnlockData stores the device-specific unlock payload and persists it so
// a restart does not require re-provisioning.
func (c *Coordinator) SetUnlockData(data string) error {
	c.mu.Lock()
	c.unlockData = data
	c.mu.Unlock()
	return c.saveUnlockData(data)
}

// CooldownRemaining reports how long until the next Confirm is accepted.
// Zero means ready.
func (c *Coordinator) CooldownRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remainingLocked()
}

func (c *Coordinator) remainingLocked() time.Duration {
	if c.lastTrigger.IsZero() {
		return 0
	}
	rem := c.cooldown - c.now().Sub(c.lastTrigger)
	if rem < 0 {
		return 0
	}
	return rem
}

// Confirm verifies the armed password against the platform, enqueues the
// unlock command, and starts the cooldown. Any rejection before the command
// is enqueued leaves the cooldown untouched; the password survives
// verification failures and is cleared only on success.
func (c *Coordinator) Confirm(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rem := c.remainingLocked(); rem > 0 {
		return &ValidationError{Reason: fmt.Sprintf("cooldown active, retry in %d seconds", int(rem.Seconds()))}
	}
	if c.password == "" {
		return &ValidationError{Reason: "secure password not set"}
	}
	if c.unlockData == "" {
		return &ValidationError{Reason: "unlock data not provisioned for this lock"}
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		slog.Error("unlock token fetch failed", "device_id", c.deviceID, "error", err)
		return &ValidationError{Reason: "could not authenticate with the platform"}
	}
	secure, err := c.verifier.CreateMFAToken(ctx, token, c.uid, c.password)
	if err != nil {
		slog.Error("secure password verification failed", "device_id", c.deviceID, "error", err)
		return &ValidationError{Reason: "secure password rejected"}
	}
	c.password = ""

	msg, err := wire.NewCtrl(secure, c.deviceID, c.unlockData)
	if err != nil {
		return err
	}
	c.queue.Enqueue(msg)
	slog.Info("unlock command queued", "device_id", c.deviceID, "message_id", msg.Header.MessageID)

	if c.corr != nil {
		go c.logResponse(msg.Header.MessageID, c.corr.Await(msg.Header.MessageID))
	}

	c.lastTrigger = c.now()
	if c.resetTimer != nil {
		c.resetTimer.Stop()
	}
	c.resetTimer = time.AfterFunc(c.cooldown, func() {
		c.mu.Lock()
		c.lastTrigger = time.Time{}
		c.mu.Unlock()
	})
	return nil
}

func (c *Coordinator) logResponse(messageID string, ch <-chan wire.Message) {
	timer := time.NewTimer(responseWait)
	defer timer.Stop()
	select {
	case msg, ok := <-ch:
		if !ok {
			slog.Warn("unlock command unacknowledged, connection lost", "device_id", c.deviceID, "message_id", messageID)
			return
		}
		slog.Info("unlock command acknowledged", "device_id", c.deviceID,
			"message_id", messageID, "payload", string(msg.Payload))
	case <-timer.C:
		slog.Warn("unlock command response timed out", "device_id", c.deviceID, "message_id", messageID)
	}
}

type unlockDataFile struct {
	UnlockData string `json:"unlock_data"`
}

func (c *Coordinator) unlockDataPath() string {
	return filepath.Join(c.dataDir, "unlock_data_"+c.deviceID+".json")
}

func (c *Coordinator) loadUnlockData() {
	b, err := os.ReadFile(c.unlockDataPath())
	if err != nil {
		return
	}
	var f unlockDataFile
	if err := json.Unmarshal(b, &f); err != nil {
		slog.Warn("unlock data file unreadable", "path", c.unlockDataPath(), "error", err)
		return
	}
	c.unlockData = f.UnlockData
}

func (c *Coordinator) saveUnlockData(data string) error {
	b, err := json.Marshal(unlockDataFile{UnlockData: data})
	if err != nil {
		return err
	}
	path := c.unlockDataPath()
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("lockctrl: write unlock data: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("lockctrl: persist unlock data: %w", err)
	}
	return nil
}
