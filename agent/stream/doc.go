/*
Package stream attaches a WebSocket connection to the single stream of a command handle.

A command handle exposes either its child's output or its child's stdin, never both, so a stream session
carries bytes in one direction only. The session does not own the child: when it ends the handle's stream is
closed, which the child observes as EOF on stdin or EPIPE on output, but the child is never signaled.

There are two messages in this protocol: "request" messages are sent client->server, and "response" messages
are sent server->client. The schema for these messages is described in types.go.

For an output handle:

1. The client opens a WebSocket connection with the server.
2. The server sends response messages with Data until the child's output ends, then one with Done=true.
3. When the child exits, the server sends a response message with a Result.
4. The server closes the WebSocket connection.

For an input handle:

1. The client opens a WebSocket connection with the server.
2. The client sends request messages with Data, then one with Done=true, which closes the child's stdin.
3. When the child exits, the server sends a response message with a Result.
4. The server closes the WebSocket connection.

The server does not buffer output; the client must keep reading for the child to make progress.

A watch session follows a service instead of a command. The server sends the service's info as soon as the
connection is accepted and again after every state change, including exits and restarts the supervisor
handles on its own. The client sends nothing and closes the connection when it is done.
*/
package stream
