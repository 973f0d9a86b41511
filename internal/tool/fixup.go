package tool

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Model-emitted tool calls carry recurring mistakes: relative paths, numbers
// as strings, parameters under the wrong key. The gateway repairs what it can
// and rejects the rest with a corrective error the model can act on.

var editorToolNames = map[string]bool{
	"str_replace_editor":          true,
	"str_replace_based_edit_tool": true,
}

var digitsRe = regexp.MustCompile(`\d+`)

// fixAndValidate auto-fixes a tool input then validates it. A nil second
// return means the fixed input is good to dispatch; otherwise the result
// carries the validation error and the original input is abandoned.
func fixAndValidate(projectDir, name string, input map[string]interface{}) (map[string]interface{}, *Result) {
	fixed, fixes := autoFix(projectDir, name, cloneInput(input))
	if len(fixes) > 0 {
		log.Printf("tool: auto-fixed %s call: %s", name, strings.Join(fixes, "; "))
	}
	if invalid := validateCall(projectDir, name, fixed); invalid != nil {
		return input, invalid
	}
	return fixed, nil
}

func cloneInput(input map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(input))
	for k, v := range input {
		out[k] = v
	}
	return out
}

func autoFix(projectDir, name string, input map[string]interface{}) (map[string]interface{}, []string) {
	var fixes []string

	switch {
	case editorToolNames[name]:
		// Relative path: anchor at the shared project directory.
		if path := stringField(input, "path"); path != "" && !strings.HasPrefix(path, "/") {
			abs := filepath.Join(projectDir, path)
			input["path"] = abs
			fixes = append(fixes, fmt.Sprintf("path %q -> %q", path, abs))
		}

		command := stringField(input, "command")

		// str_replace with an empty old_str only makes sense as create or
		// insert, depending on whether the file exists.
		if command == "str_replace" {
			oldStr, hasOld := input["old_str"].(string)
			newStr := stringField(input, "new_str")
			if hasOld && oldStr == "" && newStr != "" {
				path := stringField(input, "path")
				data, err := os.ReadFile(path)
				switch {
				case os.IsNotExist(err):
					input["command"] = "create"
					input["file_text"] = newStr
					delete(input, "old_str")
					delete(input, "new_str")
					fixes = append(fixes, "str_replace on missing file -> create")
				case err == nil && strings.TrimSpace(string(data)) == "":
					input["command"] = "insert"
					input["insert_line"] = 0
					delete(input, "old_str")
					fixes = append(fixes, "str_replace with empty old_str on empty file -> insert at line 0")
				}
			}
		}

		// insert_line hiding under a misremembered key.
		if command == "insert" && input["insert_line"] == nil {
			for _, wrong := range []string{"line", "line_number", "at_line", "insertLine"} {
				if v, ok := input[wrong]; ok {
					input["insert_line"] = v
					delete(input, wrong)
					fixes = append(fixes, wrong+" -> insert_line")
					break
				}
			}
		}

		// create content under new_str or content instead of file_text.
		if command == "create" && input["file_text"] == nil {
			for _, wrong := range []string{"new_str", "content"} {
				if v := stringField(input, wrong); v != "" {
					input["file_text"] = v
					delete(input, wrong)
					fixes = append(fixes, wrong+" -> file_text")
					break
				}
			}
		}

	case name == "computer":
		// Coordinate handed over as a string like "[100, 200]" or "100 200".
		if coord, ok := input["coordinate"].(string); ok {
			if nums := digitsRe.FindAllString(coord, -1); len(nums) >= 2 {
				x, _ := strconv.Atoi(nums[0])
				y, _ := strconv.Atoi(nums[1])
				input["coordinate"] = []interface{}{x, y}
				fixes = append(fixes, fmt.Sprintf("coordinate string -> [%d, %d]", x, y))
			}
		}
		if scroll, ok := input["scroll_amount"].(string); ok {
			if n, err := strconv.Atoi(scroll); err == nil {
				input["scroll_amount"] = n
				fixes = append(fixes, "scroll_amount string -> int")
			}
		}
	}

	return input, fixes
}

func validateCall(projectDir, name string, input map[string]interface{}) *Result {
	switch {
	case name == "bash":
		if stringField(input, "command") == "" && input["restart"] == nil {
			return errResult("missing parameter 'command': the bash tool requires a shell command to execute, " +
				`for example {"command": "ls -la"}, or {"restart": true} to restart the session`)
		}

	case editorToolNames[name]:
		path := stringField(input, "path")
		if path == "" {
			return errResult("missing parameter 'path': every editor command requires an absolute path")
		}
		if !strings.HasPrefix(path, "/") {
			return errResult(fmt.Sprintf("invalid path %q: path must be absolute; did you mean %s",
				path, filepath.Join(projectDir, path)))
		}
		switch command := stringField(input, "command"); command {
		case "create":
			text, ok := input["file_text"].(string)
			if !ok {
				return errResult("missing parameter 'file_text': the create command requires the complete file content in 'file_text'")
			}
			if text != "" && strings.TrimSpace(text) == "" {
				return errResult(`invalid 'file_text': contains only whitespace; use "" for an intentionally empty file`)
			}
		case "str_replace":
			oldStr, ok := input["old_str"].(string)
			if !ok {
				return errResult("missing parameter 'old_str': str_replace requires the exact existing text to find")
			}
			if oldStr == "" {
				return errResult("invalid 'old_str': empty string matches nothing; " +
					"use the insert command to add content to an existing file or create for a new file")
			}
		case "insert":
			if input["insert_line"] == nil {
				return errResult("missing parameter 'insert_line': the insert command requires a line number (0 inserts at the top)")
			}
			if input["new_str"] == nil {
				return errResult("missing parameter 'new_str': the insert command requires the content to insert")
			}
		case "view":
			if vr, ok := input["view_range"]; ok {
				list, isList := vr.([]interface{})
				if !isList || len(list) != 2 {
					return errResult("invalid 'view_range': must be a two-element [start, end] list")
				}
			}
		case "undo_edit":
			// Path is all it needs.
		case "":
			return errResult("missing parameter 'command': available commands are create, view, str_replace, insert, undo_edit")
		default:
			return errResult(fmt.Sprintf("unknown command %q: available commands are create, view, str_replace, insert, undo_edit", command))
		}

	case name == "computer":
		action := stringField(input, "action")
		if action == "" {
			return errResult(`missing parameter 'action': for example {"action": "screenshot"} or {"action": "type", "text": "hello"}`)
		}
		switch action {
		case "mouse_move", "left_click_drag":
			coord, ok := input["coordinate"]
			if !ok || coord == nil {
				return errResult(fmt.Sprintf("missing parameter 'coordinate': the %s action requires \"coordinate\": [x, y]", action))
			}
			list, isList := coord.([]interface{})
			if !isList || len(list) != 2 {
				return errResult(fmt.Sprintf("invalid 'coordinate' %v: must be an [x, y] list of two integers", coord))
			}
		case "type":
			if input["text"] == nil {
				return errResult("missing parameter 'text': the type action requires the text to type")
			}
		case "key":
			if input["key"] == nil {
				return errResult(`missing parameter 'key': for example {"action": "key", "key": "Return"}`)
			}
		case "scroll":
			if input["scroll_direction"] == nil {
				return errResult(`missing parameter 'scroll_direction': for example {"action": "scroll", "scroll_direction": "down", "scroll_amount": 3}`)
			}
		}
	}

	return nil
}

func errResult(msg string) *Result {
	return &Result{Error: msg}
}

func stringField(input map[string]interface{}, key string) string {
	s, _ := input[key].(string)
	return s
}
