package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSandboxStatus(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name    string
		sandbox Sandbox
		session *Session
		want    SandboxStatus
	}{
		{
			name:    "deleted wins over everything",
			sandbox: Sandbox{DeletedAt: &past, ExpiresAt: &past, CurrentSessionID: "ses-1"},
			session: &Session{Status: SessionStatusReady},
			want:    SandboxStatusDeleted,
		},
		{
			name:    "expired wins over running session",
			sandbox: Sandbox{ExpiresAt: &past, CurrentSessionID: "ses-1"},
			session: &Session{Status: SessionStatusReady},
			want:    SandboxStatusExpired,
		},
		{
			name:    "no session means idle",
			sandbox: Sandbox{ExpiresAt: &future},
			want:    SandboxStatusIdle,
		},
		{
			name:    "session reference without row means idle",
			sandbox: Sandbox{CurrentSessionID: "ses-1"},
			session: nil,
			want:    SandboxStatusIdle,
		},
		{
			name:    "ready session",
			sandbox: Sandbox{CurrentSessionID: "ses-1"},
			session: &Session{Status: SessionStatusReady},
			want:    SandboxStatusReady,
		},
		{
			name:    "starting session",
			sandbox: Sandbox{CurrentSessionID: "ses-1"},
			session: &Session{Status: SessionStatusStarting},
			want:    SandboxStatusStarting,
		},
		{
			name:    "failed session",
			sandbox: Sandbox{CurrentSessionID: "ses-1"},
			session: &Session{Status: SessionStatusFailed},
			want:    SandboxStatusFailed,
		},
		{
			name:    "infinite ttl never expires",
			sandbox: Sandbox{},
			want:    SandboxStatusIdle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sandbox.Status(tt.session, now))
		})
	}
}
