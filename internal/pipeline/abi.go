package pipeline

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/evmindex/indexcore/internal/config"
)

// filterABI bundles a parsed contract ABI with a topic0 → event lookup, the
// "bySelector" index SPEC_FULL.md §4.4's getEvents references when deciding
// how to decode a log before it ever reaches a handler.
type filterABI struct {
	abi        abi.ABI
	bySelector map[common.Hash]abi.Event
}

func loadFilterABI(f config.FilterConfig) (filterABI, error) {
	raw, err := readABISource(f.ABI)
	if err != nil {
		return filterABI{}, fmt.Errorf("filter %q: %w", f.Name, err)
	}
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		return filterABI{}, fmt.Errorf("filter %q: parse abi: %w", f.Name, err)
	}

	bySelector := make(map[common.Hash]abi.Event, len(parsed.Events))
	for _, ev := range parsed.Events {
		bySelector[ev.ID] = ev
	}
	return filterABI{abi: parsed, bySelector: bySelector}, nil
}

// readABISource resolves a FilterConfig.ABI value that is either an inline
// JSON array (starts with '[') or a filesystem path, mirroring the way
// config.FilterConfig.ABI is documented in SPEC_FULL.md §6.
func readABISource(src string) (string, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return "", fmt.Errorf("abi is required")
	}
	if strings.HasPrefix(trimmed, "[") {
		return trimmed, nil
	}
	data, err := os.ReadFile(trimmed)
	if err != nil {
		return "", fmt.Errorf("read abi file %q: %w", trimmed, err)
	}
	return string(data), nil
}

// decodeArgs unpacks both indexed and non-indexed arguments of ev from log
// into a name → value map, grounded on go-ethereum's canonical
// abi.Event decode idiom (ParseTopics for indexed args, Inputs.Unpack for
// the ABI-encoded data blob).
func decodeArgs(ev abi.Event, topics []common.Hash, data []byte) (map[string]interface{}, error) {
	args := make(map[string]interface{})

	indexed := make(abi.Arguments, 0)
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(indexed) > 0 {
		if len(topics) < len(indexed)+1 {
			return nil, fmt.Errorf("event %s: expected %d indexed topics, got %d", ev.Name, len(indexed), len(topics)-1)
		}
		if err := abi.ParseTopicsIntoMap(args, indexed, topics[1:]); err != nil {
			return nil, fmt.Errorf("event %s: parse indexed topics: %w", ev.Name, err)
		}
	}

	nonIndexed := ev.Inputs.NonIndexed()
	if len(nonIndexed) > 0 {
		if err := nonIndexed.UnpackIntoMap(args, data); err != nil {
			return nil, fmt.Errorf("event %s: unpack data: %w", ev.Name, err)
		}
	}
	return args, nil
}
