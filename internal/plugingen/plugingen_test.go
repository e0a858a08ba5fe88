package plugingen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassName(t *testing.T) {
	cases := map[string]string{
		"my_cool-MAP.map":     "MyCoolMapMapUrlSetter",
		"Procedural 4500.map": "Procedural4500MapUrlSetter",
		"island.v2.map":       "IslandV2MapUrlSetter",
		"noext":               "NoextMapUrlSetter",
		".map":                "MapUrlSetter",
		"__a__b.MAP":          "ABMapUrlSetter",
	}
	for in, want := range cases {
		assert.Equal(t, want, ClassName(in), in)
	}
}

func TestGenerate(t *testing.T) {
	a := New("", "").Generate("my_map.map", "https://files.facepunch.com/x/my_map.map")

	assert.Equal(t, "MyMapMapUrlSetter.cs", a.FileName)
	assert.Contains(t, a.Content, `[Info("MyMapMapUrlSetter", "RustGPT", "1.0.0")]`)
	assert.Contains(t, a.Content, "public class MyMapMapUrlSetter : RustPlugin")
	assert.Contains(t, a.Content, `public static string MapUrl { get; set; } = "https://files.facepunch.com/x/my_map.map";`)
	assert.Contains(t, a.Content, "ConVar.Server.levelurl = url;")
	assert.Contains(t, a.Content, "#region Oxide Hooks")
	assert.True(t, strings.HasPrefix(a.Content, "using System;\nusing Oxide.Core;\n"))
	assert.True(t, strings.HasSuffix(a.Content, "}\n}"))
}

func TestGenerateCustomInfoAndEscaping(t *testing.T) {
	a := New("Ops", "2.1.0").Generate("m.map", `https://x/"q"`)
	assert.Contains(t, a.Content, `[Info("MMapUrlSetter", "Ops", "2.1.0")]`)
	assert.Contains(t, a.Content, `= "https://x/\"q\"";`)
}
