package pipeline

import (
	"strings"
	"testing"
)

func TestSanitizeBubble(t *testing.T) {
	san := newSanitizer([]string{"宝宝", "亲亲"})

	if got := san.bubble("  宝宝你好  呀 "); got != "你好 呀" {
		t.Errorf("forbidden nickname and whitespace not cleaned: %q", got)
	}
	if got := san.bubble("好耶！！！！"); got != "好耶！" {
		t.Errorf("punctuation run not collapsed: %q", got)
	}
	if got := san.bubble("   "); got != "" {
		t.Errorf("blank input should stay empty, got %q", got)
	}

	long := strings.Repeat("聊", 60)
	got := san.bubble(long)
	if runes := []rune(got); len(runes) != bubbleMaxRunes+1 || runes[len(runes)-1] != '…' {
		t.Errorf("long bubble should clamp to %d runes plus ellipsis, got %d", bubbleMaxRunes, len(runes))
	}
}

func TestHardFilter(t *testing.T) {
	san := newSanitizer([]string{"宝宝"})
	cases := []struct {
		name    string
		bubbles []string
		ok      bool
		reason  string
	}{
		{"empty", nil, false, "empty"},
		{"ui artifact", []string{"不错"}, false, "ui_artifact"},
		{"meta artifact", []string{"这是一个json schema"}, false, "meta_artifact"},
		{"forbidden", []string{"宝宝在吗"}, false, "forbidden_nickname"},
		{"too long", []string{strings.Repeat("聊", 51)}, false, "too_long"},
		{"non chinese", []string{"hello there"}, false, "non_chinese"},
		{"ok", []string{"在呢", "刚吃完饭"}, true, "ok"},
	}
	for _, tc := range cases {
		ok, reason := san.hardFilter(tc.bubbles)
		if ok != tc.ok || reason != tc.reason {
			t.Errorf("%s: got (%v, %q), want (%v, %q)", tc.name, ok, reason, tc.ok, tc.reason)
		}
	}
}

func TestExtractJSON(t *testing.T) {
	raw, err := extractJSON(`{"a": 1}`)
	if err != nil || string(raw) != `{"a": 1}` {
		t.Errorf("plain object failed: %v %s", err, raw)
	}

	raw, err = extractJSON("前面有解释文字 {\"winner_index\": 2} 后面还有")
	if err != nil {
		t.Fatalf("embedded object failed: %v", err)
	}
	if !strings.Contains(string(raw), "winner_index") {
		t.Errorf("unexpected extraction: %s", raw)
	}

	raw, err = extractJSON("```json\n[{\"bubbles\": [\"嗯\"]}]\n```")
	if err != nil {
		t.Fatalf("fenced array failed: %v", err)
	}
	if !strings.HasPrefix(string(raw), "[") {
		t.Errorf("expected array, got %s", raw)
	}

	if _, err = extractJSON("这里没有任何结构化内容"); err == nil {
		t.Error("expected error for plain prose")
	}
}

func TestCoerceBubbles(t *testing.T) {
	got := coerceBubbles("```json\n1. 在呢在呢\n- 刚想找你\n* 怎么了\n4. 第四条不要\n```")
	if len(got) != 3 {
		t.Fatalf("expected 3 coerced bubbles, got %v", got)
	}
	if got[0] != "在呢在呢" || got[2] != "怎么了" {
		t.Errorf("list markers not stripped: %v", got)
	}

	got = coerceBubbles("")
	if len(got) != 1 || got[0] != "我在" {
		t.Errorf("empty text should yield the minimal bubble, got %v", got)
	}
}

func TestClampRunes(t *testing.T) {
	if got := clampRunes("短句", 10); got != "短句" {
		t.Errorf("short text must pass through, got %q", got)
	}
	got := clampRunes("这句话到这里就要被截断了，后面全是多余的内容", 10)
	runes := []rune(got)
	if runes[len(runes)-1] != '…' {
		t.Errorf("clamped text should end with ellipsis: %q", got)
	}
	if len(runes) > 11 {
		t.Errorf("clamp overflow: %q", got)
	}
}
