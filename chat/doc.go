// Package chat contains the resilient streaming client and the chat transports it drives.
//
// Client owns the connection lifecycle for one broadcast:
//   - a named state machine (DISCONNECTED, CONNECTING, CONNECTED, RECONNECTING, FAILED)
//     with an explicit transition table;
//   - exponential reconnect backoff (base × factor^(attempt-1), capped) with an attempt budget;
//   - a heartbeat deadline reset by every inbound frame, so a silent socket is detected
//     even when the peer never closes it.
//
// Transports adapt a concrete chat service to the Transport contract:
//   - IRCTransport: Twitch IRC through go-twitch-irc. PRIVMSG becomes a chat message,
//     cheers and USERNOTICE subs become donations, PING/PONG count as heartbeats.
//   - WSTransport: a JSON-over-WebSocket feed (gorilla/websocket) with chat, donation,
//     ping and pong frames.
//
// Only a CONNECTED client hands messages to its caller. Messages are not deduplicated
// across reconnects.
package chat
