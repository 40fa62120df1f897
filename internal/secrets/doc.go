// Package secrets masks credentials in text that fixd persists.
//
// Reports quote artifact source, problem statements and hypothesis
// evidence verbatim. A Redactor replaces anything that looks like a token,
// key or password with a fixed mask before the report reaches disk. JSON
// documents are redacted string by string so the output stays valid.
package secrets
