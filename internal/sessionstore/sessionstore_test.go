package sessionstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"dataroma-screener/internal/model"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := New(t.TempDir())
	session := &model.Session{
		ID:        "abc-123",
		CreatedAt: time.Now().Truncate(time.Second),
		Steps:     []model.StepState{{Step: model.StepScrape, Status: model.StatusComplete}},
	}
	require.NoError(t, s.Save(session))

	loaded, err := s.Load("abc-123")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, session.ID, loaded.ID)
	require.Equal(t, session.Steps, loaded.Steps)
}

func TestLoad_MissingIsAbsent(t *testing.T) {
	s := New(t.TempDir())
	loaded, err := s.Load("does-not-exist")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestLoad_CorruptIsAbsent(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))
	s := New(dir)
	loaded, err := s.Load("broken")
	require.NoError(t, err)
	require.Nil(t, loaded)
}

func TestSave_IsWholeDocumentOverwrite(t *testing.T) {
	s := New(t.TempDir())
	session := &model.Session{ID: "s1", Steps: []model.StepState{{Step: model.StepScrape, Status: model.StatusRunning}}}
	require.NoError(t, s.Save(session))

	session.Steps = []model.StepState{{Step: model.StepScrape, Status: model.StatusComplete}}
	session.Dataroma = &model.ScrapeResult{Entries: []model.Holding{{Symbol: "A", StockName: "A Inc"}}, Source: "live"}
	require.NoError(t, s.Save(session))

	loaded, err := s.Load("s1")
	require.NoError(t, err)
	require.Equal(t, model.StatusComplete, loaded.Steps[0].Status)
	require.NotNil(t, loaded.Dataroma)
	require.Len(t, loaded.Dataroma.Entries, 1)
}
