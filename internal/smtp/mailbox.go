package smtp

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultCapacity = 1000

// Envelope is one captured submission.
type Envelope struct {
	From        string
	To          []string
	Subject     string
	MessageID   string
	TextBody    string
	HTMLBody    string
	Attachments []string
	Data        []byte
	ReceivedAt  time.Time
}

// Mailbox keeps the most recent captured messages in memory and optionally
// writes each one to a directory.
type Mailbox struct {
	mu        sync.Mutex
	messages  []Envelope
	capacity  int
	outputDir string
	reject    map[string]bool
	deferred  map[string]bool
}

// NewMailbox creates a mailbox holding at most capacity messages.
// Recipients at rejectDomains are refused permanently, those at
// deferDomains temporarily.
func NewMailbox(capacity int, outputDir string, rejectDomains, deferDomains []string) *Mailbox {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Mailbox{
		capacity:  capacity,
		outputDir: outputDir,
		reject:    domainSet(rejectDomains),
		deferred:  domainSet(deferDomains),
	}
}

// Messages returns a copy of the captured messages, oldest first.
func (m *Mailbox) Messages() []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Envelope(nil), m.messages...)
}

// Len returns the number of captured messages held.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

func (m *Mailbox) store(env Envelope) error {
	if m.outputDir != "" {
		if err := m.write(env); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.messages) >= m.capacity {
		m.messages = m.messages[1:]
	}
	m.messages = append(m.messages, env)
	return nil
}

func (m *Mailbox) write(env Envelope) error {
	if err := os.MkdirAll(m.outputDir, 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	name := env.MessageID
	if name == "" {
		name = fmt.Sprintf("%d", env.ReceivedAt.UnixNano())
	}
	name = strings.NewReplacer("/", "_", "@", "_at_").Replace(name)
	path := filepath.Join(m.outputDir, env.ReceivedAt.Format("20060102_150405")+"_"+name+".eml")
	if err := os.WriteFile(path, env.Data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (m *Mailbox) rejects(domain string) bool { return m.reject[domain] }

func (m *Mailbox) defers(domain string) bool { return m.deferred[domain] }

func domainSet(domains []string) map[string]bool {
	set := make(map[string]bool, len(domains))
	for _, d := range domains {
		if d = strings.ToLower(strings.TrimSpace(d)); IsValidDomain(d) {
			set[d] = true
		}
	}
	return set
}
