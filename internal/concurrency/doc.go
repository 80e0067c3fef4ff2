// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Bounded concurrency primitives shared by the buffer allocators and the
// upcall dispatch pool: a lock-free MPMC queue and a bounded LIFO stack.
package concurrency
