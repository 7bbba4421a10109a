package rest

/**
 * Parameters
 */

// shutdown grace period of the HTTP server, in seconds
const ShutdownGraceSeconds = 5
