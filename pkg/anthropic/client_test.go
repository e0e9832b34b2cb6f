package anthropic

import (
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromSDKMessage(t *testing.T) {
	msg := &sdk.Message{
		ID:         "msg_1",
		Model:      "claude-haiku-4-5-20251001",
		StopReason: "end_turn",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: `{"score": 72}`},
		},
		Usage: sdk.Usage{InputTokens: 410, OutputTokens: 38, CacheReadInputTokens: 300},
	}

	resp := fromSDKMessage(msg)
	require.NotNil(t, resp)
	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, "claude-haiku-4-5-20251001", resp.Model)
	assert.Equal(t, `{"score": 72}`, resp.Text())
	assert.Equal(t, int64(410), resp.Usage.InputTokens)
	assert.Equal(t, int64(38), resp.Usage.OutputTokens)
	assert.Equal(t, int64(300), resp.Usage.CacheReadInputTokens)
}

func TestMessageResponse_TextSkipsEmptyBlocks(t *testing.T) {
	resp := &MessageResponse{Content: []ContentBlock{
		{Type: "thinking", Text: "hmm"},
		{Type: "text", Text: ""},
		{Type: "text", Text: "answer"},
	}}
	assert.Equal(t, "answer", resp.Text())
	assert.Empty(t, (&MessageResponse{}).Text())
}

func TestToSDKMessages(t *testing.T) {
	out := toSDKMessages([]Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "{"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, "user", string(out[0].Role))
	assert.Equal(t, "assistant", string(out[1].Role))
}

func TestCachedSystem(t *testing.T) {
	blocks := CachedSystem("prompt")
	require.Len(t, blocks, 1)
	require.NotNil(t, blocks[0].CacheControl)

	sdkBlocks := toSDKSystemBlocks(blocks)
	require.Len(t, sdkBlocks, 1)
	assert.Equal(t, "prompt", sdkBlocks[0].Text)
	assert.Equal(t, sdk.CacheControlEphemeralTTL("5m"), sdkBlocks[0].CacheControl.TTL)
}

func TestNewClient(t *testing.T) {
	assert.NotNil(t, NewClient("key", ""))
	assert.NotNil(t, NewClient("key", "http://localhost:9999"))
}
