package language

import (
	"regexp"
	"strings"
)

var javaClassRe = regexp.MustCompile(`(?:public\s+)?class\s+[A-Za-z_][A-Za-z0-9_]*`)

// Prepare wraps a snippet in the minimum scaffolding its language requires
// and returns the bytes to inject. Languages without an entrypoint
// constraint pass through verbatim. Prepare is idempotent: source that
// already carries the required structure is returned unchanged.
func Prepare(source string, spec Spec) []byte {
	switch spec.ID {
	case "java":
		if javaClassRe.MatchString(source) {
			break
		}
		return []byte("public class Main {\n    public static void main(String[] args) {\n" +
			indent(source, "        ") + "\n    }\n}\n")
	case "csharp":
		if strings.Contains(source, "using System") || strings.Contains(source, "static void Main") {
			break
		}
		return []byte("using System;\n\nclass Program {\n    static void Main() {\n" +
			indent(source, "        ") + "\n    }\n}\n")
	case "go":
		if !strings.Contains(source, "package ") {
			return []byte("package main\n\n" + source)
		}
	case "rust":
		if !strings.Contains(source, "fn main") {
			return []byte("fn main() {\n" + source + "\n}\n")
		}
	case "c":
		if !strings.Contains(source, "#include") {
			return []byte("#include <stdio.h>\n#include <stdlib.h>\n#include <string.h>\n\n" + source)
		}
	case "cpp":
		if !strings.Contains(source, "#include") {
			return []byte("#include <iostream>\n#include <vector>\n#include <string>\n#include <algorithm>\nusing namespace std;\n\n" + source)
		}
	}
	return []byte(source)
}

func indent(code, prefix string) string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			lines[i] = ""
			continue
		}
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
