package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/buildsmith/buildsmith/engine/task/model"
)

func TestSubjectAndBody(t *testing.T) {
	end := "2026-08-24 11:00:00"
	tk := &model.Task{
		ID:          42,
		BranchName:  "release-1.2",
		Server:      "M1",
		State:       model.StateSuccess,
		CommitID:    "abc123",
		Installer:   "browser.dmg",
		StoragePath: "2026-08-24-10-30/browser.dmg",
		StartTime:   "2026-08-24 10:00:00",
		EndTime:     &end,
	}

	t.Run("Should name the task, state, branch and server", func(t *testing.T) {
		s := Subject(tk)
		assert.Contains(t, s, "#42")
		assert.Contains(t, s, "success")
		assert.Contains(t, s, "release-1.2")
		assert.Contains(t, s, "M1")
	})
	t.Run("Should summarize the artifacts", func(t *testing.T) {
		b := Body(tk)
		assert.Contains(t, b, "browser.dmg")
		assert.Contains(t, b, "abc123")
		assert.Contains(t, b, end)
	})
}

func TestSplitSMTPAddr(t *testing.T) {
	t.Run("Should split host and port", func(t *testing.T) {
		host, port := splitSMTPAddr("smtp.example.com:465")
		assert.Equal(t, "smtp.example.com", host)
		assert.Equal(t, 465, port)
	})
	t.Run("Should pass a bare host through", func(t *testing.T) {
		host, port := splitSMTPAddr("smtp.example.com")
		assert.Equal(t, "smtp.example.com", host)
		assert.Equal(t, 0, port)
	})
}
