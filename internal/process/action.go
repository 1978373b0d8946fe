package process

import "fmt"

// Action tags a command with the high-level request it was built for, so a
// completed Result can be interpreted without inspecting its arguments.
type Action int

// Actions understood by the translation layer.
const (
	ActionNone Action = iota
	ActionLoadMetadata
	ActionLoadChunks
	ActionApplyChanges
	ActionApplyChangesExv
	ActionCopyTags
	ActionTransTags
	ActionReadFormats
	ActionWriteFormats
	ActionTranslationsList
	ActionTagsDatabase
	ActionVersionString
)

// Actions lists every Action in declaration order.
var Actions = []Action{
	ActionNone,
	ActionLoadMetadata,
	ActionLoadChunks,
	ActionApplyChanges,
	ActionApplyChangesExv,
	ActionCopyTags,
	ActionTransTags,
	ActionReadFormats,
	ActionWriteFormats,
	ActionTranslationsList,
	ActionTagsDatabase,
	ActionVersionString,
}

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionLoadMetadata:
		return "load_metadata"
	case ActionLoadChunks:
		return "load_chunks"
	case ActionApplyChanges:
		return "apply_changes"
	case ActionApplyChangesExv:
		return "apply_changes_exv"
	case ActionCopyTags:
		return "copy_tags"
	case ActionTransTags:
		return "trans_tags"
	case ActionReadFormats:
		return "read_formats"
	case ActionWriteFormats:
		return "write_formats"
	case ActionTranslationsList:
		return "translations_list"
	case ActionTagsDatabase:
		return "tags_database"
	case ActionVersionString:
		return "version_string"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// ParseAction converts a name produced by Action.String back to an Action.
func ParseAction(name string) (Action, error) {
	for _, a := range Actions {
		if a.String() == name {
			return a, nil
		}
	}
	return ActionNone, fmt.Errorf("unknown action %q", name)
}
