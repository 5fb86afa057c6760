// Package bus implements the broadcast engine.
//
// Engine.Handle takes one raw frame read from connection src and decides who
// receives it:
//
//  1. frames larger than the configured limit are rejected unparsed
//  2. frames that do not decode as an envelope are rejected
//  3. a context.destination list routes the message to exactly those ids
//  4. anything else is broadcast to every registered connection except src
//
// Rejections are answered with a "bus.error" envelope sent to src only. A
// recipient whose outbound queue refuses a frame is unregistered and closed;
// that never affects the sender or the other recipients.
package bus
