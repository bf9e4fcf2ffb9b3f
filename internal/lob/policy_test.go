package lob

import (
	"testing"

	"dmsprep/internal/sqlexec"

	"github.com/stretchr/testify/require"
)

func ptr(n int64) *int64 { return &n }

func TestBuildAlterColumnSQL(t *testing.T) {
	cases := []struct {
		name   string
		maxLen *int64
		want   string
	}{
		{"unknown", nil, "ALTER TABLE [dbo].[T] ALTER COLUMN [C] CHAR(1) NULL"},
		{"empty", ptr(0), "ALTER TABLE [dbo].[T] ALTER COLUMN [C] CHAR(1) NULL"},
		{"one", ptr(1), "ALTER TABLE [dbo].[T] ALTER COLUMN [C] VARCHAR(1) NULL"},
		{"exact", ptr(150), "ALTER TABLE [dbo].[T] ALTER COLUMN [C] VARCHAR(150) NULL"},
		{"boundary", ptr(8000), "ALTER TABLE [dbo].[T] ALTER COLUMN [C] VARCHAR(8000) NULL"},
		{"oversized", ptr(8001), "ALTER TABLE [dbo].[T] ALTER COLUMN [C] TEXT NULL"},
		{"large", ptr(9000), "ALTER TABLE [dbo].[T] ALTER COLUMN [C] TEXT NULL"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := BuildAlterColumnSQL("dbo", "T", "C", tc.maxLen)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}

	t.Run("rejects bad identifiers", func(t *testing.T) {
		_, err := BuildAlterColumnSQL("dbo", "T", "C]; DROP TABLE x;--", ptr(1))
		require.ErrorIs(t, err, sqlexec.ErrInvalidIdentifier)
	})
}

func TestMaxLengthSQL(t *testing.T) {
	q, ok, err := MaxLengthSQL("dbo", "Cases", "Notes", "NVARCHAR")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "SELECT MAX(LEN([Notes])) AS MaxLen FROM [dbo].[Cases]", q)

	q, ok, err = MaxLengthSQL("dbo", "Cases", "Body", "ntext")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "SELECT MAX(LEN(CAST([Body] AS NVARCHAR(MAX)))) AS MaxLen FROM [dbo].[Cases]", q)

	_, ok, err = MaxLengthSQL("dbo", "Cases", "Photo", "image")
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = MaxLengthSQL("dbo", "Ca ses", "Notes", "text")
	require.ErrorIs(t, err, sqlexec.ErrInvalidIdentifier)
}

func TestInclusionPolicy(t *testing.T) {
	empty := Candidate{Schema: "dbo", Table: "t", Column: "c", DataType: "text", RowCount: 0}
	populated := Candidate{Schema: "dbo", Table: "t", Column: "c", DataType: "text", RowCount: 3}

	require.True(t, NewInclusionPolicy(false, nil).Include(populated))
	require.False(t, NewInclusionPolicy(false, nil).Include(empty))
	require.True(t, NewInclusionPolicy(true, nil).Include(empty))
	require.True(t, NewInclusionPolicy(false, []string{"DBO.T"}).Include(empty))
	require.False(t, NewInclusionPolicy(false, []string{"audit.t"}).Include(empty))

	negative := empty
	negative.RowCount = -1
	require.False(t, NewInclusionPolicy(false, []string{"dbo.other"}).Include(negative))
}

func TestInclusionPolicyTableNames(t *testing.T) {
	p := NewInclusionPolicy(false, []string{" EJ.dbo.Case ", "justice.dbo.Party"})

	require.True(t, p.Overridden("dbo.case", "ej.dbo.case"))
	require.True(t, p.IncludeTable(0, "dbo.Party", "Justice.dbo.Party"))
	require.False(t, p.IncludeTable(0, "dbo.Case"))
	require.True(t, p.IncludeTable(3, "dbo.Case"))
	require.False(t, p.Overridden())
}
