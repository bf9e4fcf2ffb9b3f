package progress

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRenderSummary(t *testing.T) {
	total := int64(10)
	elapsed := 65.0
	lines := RenderSummary([]Entry{
		{Key: "lob_analyze", Current: 5, Total: &total, Percentage: 50, Operation: "lob_analyze", Elapsed: &elapsed},
	})

	require.Equal(t, "lob_analyze: 5/10 [lob_analyze]", lines[0])
	require.Contains(t, lines[1], "50.0%")
	require.Equal(t, "    elapsed 1m5s", lines[2])

	require.Equal(t, []string{"  (no progress recorded)"}, RenderSummary(nil))
}

func TestDisplayFinalRender(t *testing.T) {
	l, _, _ := newTestLedger(t, nil)
	l.Update(Update{Key: "import_joins", Value: 2, Total: 4})

	out := &syncBuffer{}
	d := NewDisplay(l, func() (int64, int64) { return 7, 1 }, out, time.Hour)
	d.Start()
	d.Stop()
	d.Stop()

	text := out.String()
	require.True(t, strings.Contains(text, "Preparation finished"), text)
	require.Contains(t, text, "import_joins: 2/4")
	require.Contains(t, text, "Succeeded: 7")
	require.Contains(t, text, "Failed:    1")
}

func TestDisplayShowsRunningOperation(t *testing.T) {
	l, _, _ := newTestLedger(t, nil)
	d := NewDisplay(l, nil, &syncBuffer{}, time.Hour)

	require.NotContains(t, strings.Join(d.render(false), "\n"), "Running:")

	l.StartOperation("lob_analyze")
	require.Contains(t, d.render(false), "  Running:   lob_analyze")
	require.NotContains(t, strings.Join(d.render(true), "\n"), "Running:")

	l.FinishOperation("lob_analyze")
	require.Empty(t, l.Operation())
}

func TestFormatDuration(t *testing.T) {
	require.Equal(t, "0s", FormatDuration(0))
	require.Equal(t, "42s", FormatDuration(42*time.Second))
	require.Equal(t, "2m3s", FormatDuration(123*time.Second))
	require.Equal(t, "1h1m1s", FormatDuration(3661*time.Second))
}
