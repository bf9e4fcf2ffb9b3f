package sqlexec

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func TestSplitBatches(t *testing.T) {
	sql := `-- header comment
CREATE TABLE a (id INT)
GO
  go  
-- only a comment
GO
INSERT INTO a VALUES (1)
-- trailing comment
Go
SELECT 'GO' AS word`

	batches := SplitBatches(sql)
	require.Equal(t, []string{
		"-- header comment\nCREATE TABLE a (id INT)",
		"INSERT INTO a VALUES (1)\n-- trailing comment",
		"SELECT 'GO' AS word",
	}, batches)
}

func TestSplitBatchesNoSeparator(t *testing.T) {
	require.Equal(t, []string{"SELECT 1"}, SplitBatches("  SELECT 1 \n"))
	require.Empty(t, SplitBatches("\n-- nothing\n"))
}

func TestScriptSourceLoad(t *testing.T) {
	fsys := fstest.MapFS{
		"justice/gather_caseids.sql": {Data: []byte("SELECT * INTO {{DB_NAME}}.dbo.CaseIDs FROM x")},
	}

	src, err := NewScriptSourceFS(fsys, "EJ_Target")
	require.NoError(t, err)

	script, err := src.Load("GatherCaseIDs", `justice\gather_caseids.sql`)
	require.NoError(t, err)
	require.Equal(t, "GatherCaseIDs", script.Name)
	require.Equal(t, "SELECT * INTO EJ_Target.dbo.CaseIDs FROM x", script.SQL)

	t.Run("rejects traversal", func(t *testing.T) {
		for _, ref := range []string{"../secret.sql", "justice/../../x.sql", "/etc/passwd", `C:\x.sql`, ""} {
			_, err := src.Load("bad", ref)
			require.Error(t, err, ref)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := src.Load("missing", "justice/nope.sql")
		require.Error(t, err)
	})

	t.Run("invalid database name", func(t *testing.T) {
		_, err := NewScriptSourceFS(fsys, "EJ;DROP")
		require.ErrorIs(t, err, ErrInvalidIdentifier)
	})
}
