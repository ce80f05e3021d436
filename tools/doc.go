// Package tools defines the tool call and result model shared by the execution layer: typed calls with ordered arguments, typed result content, the built-in handler registry, and the confirmation and lifecycle-callback contracts.
package tools
