package stream

const readLimit = 32768

// requestMessage is a client->server message. Only input sessions send data.
type requestMessage struct {
	Data []byte
	Done bool
}

// responseMessage is a server->client message.
// Only the last message of a session contains a Result.
type responseMessage struct {
	Data []byte
	// Done is true once the child's output has ended.
	Done bool
	// Err describes why the server stopped pumping the stream early.
	Err string

	Result *Result
}

// Result is how the child of a stream session exited.
type Result struct {
	ExitCode int
	Signaled bool
	Signal   string
}
