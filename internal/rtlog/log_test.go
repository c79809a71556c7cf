package rtlog

import "testing"

func TestNewBuildsAHelperWithoutPanicking(t *testing.T) {
	l := New("test-component")
	l.Infow("msg", "hello", "key", "value")
}

func TestWithPluginDerivesScopedHelper(t *testing.T) {
	base := NewLogger("test-component")
	helper := WithPlugin(base, "plugin-1", "initialize")
	helper.Infow("msg", "scoped line")
}
