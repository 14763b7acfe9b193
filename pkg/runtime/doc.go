/*
Package runtime implements the Runtime Connector capability interface
against containerd: a single-container backend (ContainerConnector,
standing in for Podman) and a manifest-grouped backend (PodConnector,
standing in for Podman-Kube), both built on github.com/containerd/
containerd, containerd/cio, containerd/namespaces and containerd/oci,
plus gopkg.in/yaml.v3 for the pod manifest and
github.com/opencontainers/runtime-spec for mount types.

Every container a connector creates is labeled agent=<agent>,
name=<instance> (PodConnector additionally sets pod.container=<name> per
member); list_reusable filters containerd's namespace listing by the
agent label so an agent restart can recognize containers it started in a
previous run.

Both connectors share a stateCache: a mutex-guarded snapshot of every
container's mapped ExecutionState in the namespace, refreshed at most
once per second or when a checker starts, so a fleet of per-workload
state checkers doesn't hammer containerd with redundant Task.Status
calls. ContainerConnector maps containerd process status + exit code
directly; PodConnector additionally merges its members' states by the
minimum-priority rule (Failed dominates, then Starting, Unknown,
Running, Stopping, Succeeded).
*/
package runtime
