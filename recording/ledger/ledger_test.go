package ledger

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	dsn := os.Getenv("VRCAP_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("VRCAP_TEST_MYSQL_DSN not set")
	}
	l, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() {
		l.db.Exec("DELETE FROM takes")
		l.db.Exec("DELETE FROM masters")
		l.Close()
	})
	l.db.Exec("DELETE FROM takes")
	l.db.Exec("DELETE FROM masters")
	return l
}

func TestTakesFoldIntoMaster(t *testing.T) {
	l := openTestLedger(t)

	now := time.Now().Truncate(time.Second)
	a := &Take{SessionID: "abcde", TakeNumber: 1, FilePath: "/r/a_Take.mp4", Start: now, End: now.Add(time.Second), Duration: time.Second}
	b := &Take{SessionID: "fghij", TakeNumber: 2, FilePath: "/r/b_Take.mp4", Start: now, End: now.Add(2 * time.Second), Duration: 2 * time.Second}
	require.NoError(t, l.AddTake(a))
	require.NoError(t, l.AddTake(b))

	open, err := l.Takes()
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "abcde", open[0].SessionID)

	failed := &Master{FilePath: "/r/x_Master.mp4", TakeCount: 2, Error: "exit status 1"}
	require.NoError(t, l.AddMaster(failed, []uint{a.ID, b.ID}))
	open, err = l.Takes()
	require.NoError(t, err)
	assert.Len(t, open, 2, "failed master keeps takes open")

	m := &Master{FilePath: "/r/y_Master.mp4", TakeCount: 2, Succeeded: true}
	require.NoError(t, l.AddMaster(m, []uint{a.ID, b.ID}))
	open, err = l.Takes()
	require.NoError(t, err)
	assert.Empty(t, open)

	masters, err := l.Masters(10)
	require.NoError(t, err)
	require.Len(t, masters, 2)
	assert.Equal(t, m.ID, masters[0].ID)
	assert.Len(t, masters[0].Takes, 2)
	assert.Empty(t, masters[1].Takes)
}
