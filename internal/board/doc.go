// Package board provides the in-process message board handlers use to talk
// to each other: named boards, named subscribers with private queues, and a
// subscription relation kept consistent from both ends.
package board
