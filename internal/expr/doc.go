// Package expr evaluates the ${{ }} expression language found in workflow
// conditions, environment values and command arguments: literals, dotted
// and bracketed property access over the workflow namespaces (env, matrix,
// secrets, needs, job, steps), boolean and comparison operators, and a
// fixed table of built-in functions.
//
// Values are represented as cty.Value throughout, which keeps the
// evaluator's type system to the small tagged union the language needs
// (string, number, bool, null) plus the collections produced by fromJSON.
package expr
