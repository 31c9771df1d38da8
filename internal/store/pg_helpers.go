package store

import (
    "strconv"
    "strings"
)

func itoa(n int) string { return strconv.Itoa(n) }

// pqStringArray renders a []string as a Postgres text[] literal. Nil is
// returned for empty input so the column default applies.
func pqStringArray(ss []string) any {
    if len(ss) == 0 {
        return nil
    }
    esc := make([]string, len(ss))
    for i, s := range ss {
        esc[i] = `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
    }
    return "{" + strings.Join(esc, ",") + "}"
}

// parsePGTextArray parses a simple Postgres text[] literal like
// {a,b,"c d"}. Event type names never contain commas or braces, so no full
// quoting grammar is needed.
func parsePGTextArray(s string) []string {
    s = strings.TrimSpace(s)
    s = strings.TrimPrefix(s, "{")
    s = strings.TrimSuffix(s, "}")
    if s == "" {
        return nil
    }
    parts := strings.Split(s, ",")
    out := make([]string, 0, len(parts))
    for _, p := range parts {
        p = strings.Trim(p, `"`)
        if p != "" {
            out = append(out, p)
        }
    }
    return out
}
