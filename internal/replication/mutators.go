package replication

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hitoshi/inboxsync/internal/ingest"
	"github.com/hitoshi/inboxsync/internal/model"
	"github.com/hitoshi/inboxsync/internal/repository"
)

// ItemTransitioner はユーザーアイテムの状態遷移を行う。
type ItemTransitioner interface {
	Transition(ctx context.Context, clock *repository.VersionClock, userItemID string, target model.ItemState) (*model.UserItem, bool, error)
}

// ItemSaver はURLの手動保存を行う。
type ItemSaver interface {
	Save(ctx context.Context, clock *repository.VersionClock, req ingest.SaveRequest) (*model.UserItem, error)
}

// SourceRemover はソースの購読解除を行う。
type SourceRemover interface {
	Unsubscribe(ctx context.Context, clock *repository.VersionClock, sourceID string) error
}

// mutatorFunc は検証済みの引数でミューテーションを実行する。
// *model.APIErrorを返した場合はミューテーション単位の拒否として扱う。
type mutatorFunc func(ctx context.Context, clock *repository.VersionClock, args json.RawMessage) error

type mutator struct {
	schema *jsonschema.Schema
	run    mutatorFunc
}

// mutatorSchemas はミューテーション名ごとの引数スキーマ。
var mutatorSchemas = map[string]string{
	"updateItemState": `{
		"type": "object",
		"required": ["userItemId", "state"],
		"properties": {
			"userItemId": {"type": "string", "minLength": 1},
			"state": {"type": "string"}
		}
	}`,
	"bookmarkItem": `{
		"type": "object",
		"required": ["userItemId"],
		"properties": {"userItemId": {"type": "string", "minLength": 1}}
	}`,
	"archiveItem": `{
		"type": "object",
		"required": ["userItemId"],
		"properties": {"userItemId": {"type": "string", "minLength": 1}}
	}`,
	"saveItem": `{
		"type": "object",
		"required": ["url"],
		"properties": {
			"url": {"type": "string", "minLength": 1, "maxLength": 4096},
			"title": {"type": "string", "maxLength": 1024},
			"contentType": {"type": "string"},
			"thumbnailUrl": {"type": "string", "maxLength": 4096},
			"provider": {"type": "string"},
			"providerItemId": {"type": "string"}
		}
	}`,
	"unsubscribeSource": `{
		"type": "object",
		"required": ["sourceId"],
		"properties": {"sourceId": {"type": "string", "minLength": 1}}
	}`,
}

type itemStateArgs struct {
	UserItemID string `json:"userItemId"`
	State      string `json:"state"`
}

type sourceArgs struct {
	SourceID string `json:"sourceId"`
}

// buildMutators はミューテーション名から実装への対応表を構築する。
func buildMutators(triage ItemTransitioner, saver ItemSaver, remover SourceRemover) (map[string]mutator, error) {
	transitionTo := func(fixed model.ItemState) mutatorFunc {
		return func(ctx context.Context, clock *repository.VersionClock, raw json.RawMessage) error {
			var args itemStateArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return model.NewValidationError(err.Error())
			}
			target := fixed
			if target == "" {
				target = model.ItemState(args.State)
			}
			_, _, err := triage.Transition(ctx, clock, args.UserItemID, target)
			return err
		}
	}

	funcs := map[string]mutatorFunc{
		"updateItemState": transitionTo(""),
		"bookmarkItem":    transitionTo(model.ItemStateBookmarked),
		"archiveItem":     transitionTo(model.ItemStateArchived),
		"saveItem": func(ctx context.Context, clock *repository.VersionClock, raw json.RawMessage) error {
			var req ingest.SaveRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return model.NewValidationError(err.Error())
			}
			_, err := saver.Save(ctx, clock, req)
			return err
		},
		"unsubscribeSource": func(ctx context.Context, clock *repository.VersionClock, raw json.RawMessage) error {
			var args sourceArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return model.NewValidationError(err.Error())
			}
			return remover.Unsubscribe(ctx, clock, args.SourceID)
		},
	}

	compiler := jsonschema.NewCompiler()
	mutators := make(map[string]mutator, len(funcs))
	for name, run := range funcs {
		url := "https://inboxsync.invalid/mutations/" + name + ".json"
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(mutatorSchemas[name]))
		if err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", name, err)
		}
		if err := compiler.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("failed to add schema for %s: %w", name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", name, err)
		}
		mutators[name] = mutator{schema: schema, run: run}
	}
	return mutators, nil
}

// validateArgs はミューテーション引数をスキーマで検証する。
func (m mutator) validateArgs(name string, raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return model.NewInvalidMutationArgsError(name, "args is not valid JSON")
	}
	if err := m.schema.Validate(inst); err != nil {
		return model.NewInvalidMutationArgsError(name, strings.Join(strings.Fields(err.Error()), " "))
	}
	return nil
}
