package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ramiqadoumi/go-messenger/internal/domain"
	"github.com/ramiqadoumi/go-messenger/services/messenger/config"
)

func TestRenderConfig_MasksPassword(t *testing.T) {
	out, err := renderConfig(config.Config{
		PostgresDSN:     "postgres://messenger:s3cret@db:5432/messenger",
		RecordStore:     config.StoreSQLite,
		FinalizeTimeout: 5 * time.Second,
		KafkaBrokers:    []string{"k1:9092", "k2:9092"},
	})
	require.NoError(t, err)

	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, "finalize_timeout: 5s")

	var back map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &back))
	assert.Equal(t, "sqlite", back["record_store"])
	assert.Equal(t, []any{"k1:9092", "k2:9092"}, back["kafka_brokers"])
}

func TestDefaultConfigIsValidYAML(t *testing.T) {
	var parsed map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(defaultMessengerYAML), &parsed))
	assert.Equal(t, "postgres", parsed["record_store"])
	assert.Equal(t, "@every 1m", parsed["audit_schedule"])
}

func TestInitCmd_RefusesOverwrite(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "messenger.yaml")
	prev := cfgFile
	cfgFile = dest
	t.Cleanup(func() { cfgFile = prev })

	cmd := newInitCmd("messenger", defaultMessengerYAML)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), dest)

	written, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, defaultMessengerYAML, string(written))

	err = cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	cmd.SetArgs([]string{"--force"})
	require.NoError(t, cmd.Execute())
}

func TestPrintEvent_WritesJSONLines(t *testing.T) {
	var out bytes.Buffer
	handle := printEvent(&out)

	require.NoError(t, handle(context.Background(), domain.MessageEvent{
		EventID: "e-1",
		Type:    domain.EventMessageCreated,
		Message: domain.Message{ID: 1, Username: "alice", Content: "hi"},
	}))

	assert.Contains(t, out.String(), `"username":"alice"`)
	assert.Equal(t, byte('\n'), out.Bytes()[out.Len()-1])
}
