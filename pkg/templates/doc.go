// Package templates renders TaskTemplate fields and instantiates Tasks.
// See templates.go for the token grammar and error taxonomy.
package templates
