/*
Package health implements HTTP, TCP, and exec-based liveness checkers. A
Checker reports a Result; Status accumulates consecutive results against
a Config's failure threshold (Retries) and start period, and turns
healthy again on the first success. The reconciler runs a TCP checker
against a heartbeat-silent node before marking it NO_RESPOND or DOWN.
*/
package health
