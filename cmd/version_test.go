package cmd

import (
	"fmt"
	"github.com/arcward/bedrockbot/bedrockbot"
	"github.com/stretchr/testify/assert"
	"io"
	"os"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	originalVersion := bedrockbot.Version
	originalCommitSHA := bedrockbot.CommitSHA
	originalBuildTime := bedrockbot.BuildTime

	t.Cleanup(
		func() {
			bedrockbot.Version = originalVersion
			bedrockbot.CommitSHA = originalCommitSHA
			bedrockbot.BuildTime = originalBuildTime
		},
	)

	bedrockbot.Version = "1.0.0"
	bedrockbot.CommitSHA = "abc123"
	bedrockbot.BuildTime = "2024-10-01T12:00:00Z"

	orig := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w
	t.Cleanup(
		func() {
			os.Stdout = orig
		},
	)

	versionCmd.Run(nil, nil)

	_ = w.Close()

	out, _ := io.ReadAll(r)
	output := string(out)
	expected := fmt.Sprintf(
		"version=%s commit=%s built: %s",
		bedrockbot.Version,
		bedrockbot.CommitSHA,
		bedrockbot.BuildTime,
	)
	assert.Equal(t, expected, output)
}
