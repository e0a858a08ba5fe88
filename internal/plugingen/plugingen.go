// Package plugingen renders the Oxide plugin that points a Rust server at an
// uploaded map URL.
package plugingen

import (
	"bytes"
	"regexp"
	"strings"
	"text/template"
)

const (
	DefaultAuthor  = "RustGPT"
	DefaultVersion = "1.0.0"
)

var (
	extRe   = regexp.MustCompile(`\.[^/.]+$`)
	splitRe = regexp.MustCompile(`[^a-zA-Z0-9]`)
)

// Artifact is a generated file ready to send as a document.
type Artifact struct {
	FileName string
	Content  string
}

type Generator struct {
	Author  string
	Version string
}

func New(author, version string) Generator {
	if strings.TrimSpace(author) == "" {
		author = DefaultAuthor
	}
	if strings.TrimSpace(version) == "" {
		version = DefaultVersion
	}
	return Generator{Author: author, Version: version}
}

// ClassName derives "<Pascal>MapUrlSetter" from a map file name:
// extension stripped, split on non-alphanumerics, each part capitalized.
func ClassName(mapFileName string) string {
	base := extRe.ReplaceAllString(mapFileName, "")
	var b strings.Builder
	for _, part := range splitRe.Split(base, -1) {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(strings.ToLower(part[1:]))
	}
	b.WriteString("MapUrlSetter")
	return b.String()
}

// Generate renders the plugin source for url.
func (g Generator) Generate(mapFileName, url string) Artifact {
	class := ClassName(mapFileName)
	var buf bytes.Buffer
	// The template is static and the data always matches it.
	_ = pluginTmpl.Execute(&buf, struct {
		Class, Author, Version, URL string
	}{class, g.Author, g.Version, url})
	return Artifact{FileName: class + ".cs", Content: buf.String()}
}

// csString escapes s for a C# regular string literal.
func csString(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`)
	return r.Replace(s)
}

var pluginTmpl = template.Must(template.New("plugin").Funcs(template.FuncMap{"cs": csString}).Parse(`using System;
using Oxide.Core;

namespace Oxide.Plugins
{
    [Info("{{.Class}}", "{{cs .Author}}", "{{cs .Version}}")]
    public class {{.Class}} : RustPlugin
    {
        public static string MapUrl { get; set; } = "{{cs .URL}}";

        #region Oxide Hooks

        private void Loaded()
        {
            SetMapUrl(MapUrl);
        }

        #endregion Oxide Hooks

        #region Core Methods

        private static void SetMapUrl(string url)
        {
            if (string.IsNullOrEmpty(url))
            {
                Interface.Oxide.LogError("Map download URL cannot be empty!");
                return;
            }

            try
            {
                ConVar.Server.levelurl = url;
                World.Url = url;
                Interface.Oxide.LogInfo($"Map download URL set: {url}");
            }
            catch (Exception ex)
            {
                Interface.Oxide.LogError($"Error setting map URL: {ex.Message}");
            }
        }

        #endregion Core Methods
    }
}`))
