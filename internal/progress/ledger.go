package progress

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event names passed to the observer by StartOperation and FinishOperation.
const (
	EventOperationStarted   = "operation_started"
	EventOperationCompleted = "operation_completed"
)

var derivedSuffixes = []string{
	"_timestamp", "_operation", "_details", "_total", "_percentage", "_elapsed", "_eta",
}

// Update is one progress report. Total <= 0 means the total is unknown.
type Update struct {
	Key       string
	Value     int64
	Total     int64
	Operation string
	Details   string
}

// Observer receives every update after it has been persisted, plus the
// operation start and completion events.
type Observer func(Update)

// Entry is the grouped view of one tracked key. Optional fields are nil
// until they have been recorded.
type Entry struct {
	Key        string
	Current    int64
	Total      *int64
	Percentage float64
	Operation  string
	Details    string
	Elapsed    *float64
	ETA        *float64
	Timestamp  string
}

// Ledger is the durable progress channel long-running loops report to.
// Writes are serialized; storage failures are logged and never returned.
type Ledger struct {
	mu       sync.Mutex
	store    Store
	observer Observer
	logger   *zap.Logger

	operation string
	started   time.Time
	now       func() time.Time
}

// NewLedger creates a ledger over store. A nil store disables persistence.
func NewLedger(store Store, observer Observer, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:    store,
		observer: observer,
		logger:   logger,
		now:      time.Now,
	}
}

// Update records value for key along with its derived sub-keys.
func (l *Ledger) Update(u Update) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store == nil {
		return
	}

	data := l.loadLocked()
	now := l.now()
	k := u.Key

	data[k] = u.Value
	data[k+"_timestamp"] = now.Format(time.RFC3339Nano)
	data[k+"_operation"] = u.Operation
	data[k+"_details"] = u.Details

	if u.Total > 0 {
		data[k+"_total"] = u.Total
		data[k+"_percentage"] = round2(float64(u.Value) / float64(u.Total) * 100)
	}

	if !l.started.IsZero() {
		elapsed := now.Sub(l.started).Seconds()
		data[k+"_elapsed"] = round2(elapsed)

		if u.Total > 0 && u.Value > 0 && elapsed > 0 {
			rate := float64(u.Value) / elapsed
			data[k+"_eta"] = round2(float64(u.Total-u.Value) / rate)
		}
	}

	if err := l.store.Save(data); err != nil {
		l.logger.Error("Failed to write progress", zap.String("key", k), zap.Error(err))
		return
	}

	if l.observer != nil {
		l.observer(u)
	}
}

// StartOperation starts the timer used for elapsed and ETA values.
func (l *Ledger) StartOperation(name string) {
	l.mu.Lock()
	l.operation = name
	l.started = l.now()
	l.mu.Unlock()

	l.logger.Info("Starting operation", zap.String("operation", name))
	l.notify(Update{Key: EventOperationStarted, Operation: name})
}

// FinishOperation stops the timer. The completion event is only emitted if
// an operation was running.
func (l *Ledger) FinishOperation(name string) {
	l.mu.Lock()
	started := l.started
	l.started = time.Time{}
	l.operation = ""
	elapsed := l.now().Sub(started)
	l.mu.Unlock()

	if started.IsZero() {
		return
	}

	l.logger.Info("Completed operation", zap.String("operation", name), zap.Duration("elapsed", elapsed))
	l.notify(Update{
		Key:       EventOperationCompleted,
		Value:     100,
		Total:     100,
		Operation: name,
		Details:   "Completed in " + strconv.FormatFloat(elapsed.Seconds(), 'f', 2, 64) + " seconds",
	})
}

// Operation returns the name of the running operation, or "".
func (l *Ledger) Operation() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.operation
}

// Load returns the stored mapping. Missing or unreadable stores yield an
// empty map.
func (l *Ledger) Load() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadLocked()
}

// Get returns key as an integer, or 0 when it is absent or not numeric.
func (l *Ledger) Get(key string) int64 {
	n, _ := asInt64(l.Load()[key])
	return n
}

// Summary groups the stored keys by tracked metric, sorted by key.
func (l *Ledger) Summary() []Entry {
	data := l.Load()

	entries := make([]Entry, 0, len(data))
	for key, value := range data {
		if isDerived(key) {
			continue
		}
		e := Entry{Key: key}
		e.Current, _ = asInt64(value)
		if n, ok := asInt64(data[key+"_total"]); ok {
			e.Total = &n
		}
		e.Percentage, _ = asFloat64(data[key+"_percentage"])
		e.Operation, _ = data[key+"_operation"].(string)
		e.Details, _ = data[key+"_details"].(string)
		if f, ok := asFloat64(data[key+"_elapsed"]); ok {
			e.Elapsed = &f
		}
		if f, ok := asFloat64(data[key+"_eta"]); ok {
			e.ETA = &f
		}
		e.Timestamp, _ = data[key+"_timestamp"].(string)
		entries = append(entries, e)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Reset deletes the backing store.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.store == nil {
		return
	}
	if err := l.store.Delete(); err != nil {
		l.logger.Warn("Failed to delete progress store", zap.Error(err))
	}
}

func (l *Ledger) loadLocked() map[string]any {
	if l.store == nil {
		return map[string]any{}
	}
	data, err := l.store.Load()
	if err != nil {
		l.logger.Error("Failed to read progress", zap.Error(err))
		return map[string]any{}
	}
	if data == nil {
		data = map[string]any{}
	}
	return data
}

func (l *Ledger) notify(u Update) {
	if l.observer != nil {
		l.observer(u)
	}
}

func isDerived(key string) bool {
	for _, s := range derivedSuffixes {
		if strings.HasSuffix(key, s) {
			return true
		}
	}
	return false
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func asFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}
