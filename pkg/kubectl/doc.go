/*
Package kubectl shells out to kubectl with a cluster's stored kubeconfig.

The kubeconfig is written to a private temp file for the duration of one
invocation and removed afterwards; it is never passed on the command line.
The Runner interface is the seam the preflight and status packages fake in
tests.
*/
package kubectl
