package rpcclient

import (
	"context"
	"encoding/hex"
	"fmt"
)

// Template is the node's response to merit_getBlockTemplate: a RandomX
// seed key, an opaque header to hash, an opaque id to echo back on
// publish, and (per spec.md's resolved open question) the difficulty
// bundled in so a second round trip is usually unnecessary.
type Template struct {
	ID         int64
	Key        [32]byte
	Header     []byte
	Difficulty uint64 // zero if the node didn't bundle it; caller falls back to GetDifficulty
}

type getBlockTemplateResult struct {
	ID         int64  `json:"id"`
	Key        string `json:"key"`
	Header     string `json:"header"`
	Difficulty string `json:"difficulty,omitempty"`
}

// GetMiner fetches the hex string the node returns for personal_getMiner.
// cmd/rxminer decodes it as the 32-byte BLS secret key when neither
// MEROS_MINER_KEY nor a configured key is set.
func (c *Client) GetMiner(ctx context.Context) (string, error) {
	var result string
	if err := c.Call(ctx, "personal_getMiner", nil, &result); err != nil {
		return "", err
	}
	return result, nil
}

// GetHeight fetches the current chain height (merit_getHeight).
func (c *Client) GetHeight(ctx context.Context) (int64, error) {
	var height int64
	if err := c.Call(ctx, "merit_getHeight", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// GetBlockTemplate fetches a block template for minerPubKeyHex
// (merit_getBlockTemplate).
func (c *Client) GetBlockTemplate(ctx context.Context, minerPubKeyHex string) (*Template, error) {
	var raw getBlockTemplateResult
	if err := c.Call(ctx, "merit_getBlockTemplate", []any{minerPubKeyHex}, &raw); err != nil {
		return nil, err
	}

	keyBytes, err := hex.DecodeString(raw.Key)
	if err != nil || len(keyBytes) != 32 {
		return nil, fmt.Errorf("rpcclient: malformed template key %q", raw.Key)
	}
	header, err := hex.DecodeString(raw.Header)
	if err != nil {
		return nil, fmt.Errorf("rpcclient: malformed template header: %w", err)
	}

	tmpl := &Template{ID: raw.ID, Header: header}
	copy(tmpl.Key[:], keyBytes)

	if raw.Difficulty != "" {
		d, err := parseHexU64(raw.Difficulty)
		if err != nil {
			return nil, fmt.Errorf("rpcclient: malformed bundled difficulty: %w", err)
		}
		tmpl.Difficulty = d
	}
	return tmpl, nil
}

// GetDifficulty fetches the current difficulty as a hex-encoded 64-bit
// integer (merit_getDifficulty); used only as a fallback when the node
// doesn't bundle difficulty into the block template.
func (c *Client) GetDifficulty(ctx context.Context) (uint64, error) {
	var hexStr string
	if err := c.Call(ctx, "merit_getDifficulty", nil, &hexStr); err != nil {
		return 0, err
	}
	return parseHexU64(hexStr)
}

// PublishBlock submits a mined block (header‖nonce‖signature, pre-encoded
// as hex) for the template identified by id. The node returns true if the
// block was accepted, false if rejected without error.
func (c *Client) PublishBlock(ctx context.Context, id int64, contentsHex string) (bool, error) {
	var accepted bool
	if err := c.Call(ctx, "merit_publishBlock", []any{id, contentsHex}, &accepted); err != nil {
		return false, err
	}
	return accepted, nil
}

func parseHexU64(s string) (uint64, error) {
	s = trimHexPrefix(s)
	var v uint64
	if _, err := fmt.Sscanf(s, "%x", &v); err != nil {
		return 0, fmt.Errorf("parse hex u64 %q: %w", s, err)
	}
	return v, nil
}

func trimHexPrefix(s string) string {
	if len(s) > 1 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
