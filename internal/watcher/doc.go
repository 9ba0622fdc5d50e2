// Package watcher keeps OS directory watches in step with one or more project
// trees and tells an observer when something under them changed.
//
// A Primitive reports changes per registered directory. The EventLoop drains
// it on one goroutine, registers directories as they appear, cancels them as
// they go away, and hands one Signal per refresh-worthy batch to the
// Dispatcher, which calls the Observer on its own goroutine. Delivery is best
// effort: bursts may be merged into a single refresh.
package watcher
