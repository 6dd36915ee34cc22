// Copyright 2024-2026 Aiku AI

// Package bridge relays messages between Discord channels and StackExchange
// chat rooms.
//
// Each configured [PairingConfig] binds one channel to one room. A two-way
// pairing forwards in both directions: Discord messages are posted by the
// bridge's chat account, and room messages are delivered through a channel
// webhook that takes on the room author's name and avatar. A one-way pairing
// only delivers room messages to Discord.
//
// # Outbound pipeline
//
// Discord gateway events reach a pairing through the [Dispatcher], which is
// keyed by channel id. The pairing renders each message with discordfmt and
// feeds four queues: send, edit, delete and notify. Every queued edit is
// applied before the next send goes out, and notices wait for all queued
// sends. A [store.Record] is written once the chat server confirms a send;
// edits and deletes past the edit window are answered with a notice instead
// of touching the room message.
//
// # Inbound pipeline
//
// Room events are read with an anonymous chat client, converted with
// sechatfmt, and delivered through the webhook. Replies link back to the
// Discord copy of their parent when it is known.
//
// # Supervision
//
// [Bridge.Run] runs every pairing's tasks in one errgroup. The first failure
// cancels the pairing's other tasks, and the pairing is restarted with
// exponential backoff and fresh queues.
package bridge
