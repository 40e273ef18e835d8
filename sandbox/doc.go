// Package sandbox provides the sandbox runtime client.
//
// A Runtime creates one disposable, isolated execution environment, runs it
// to completion under a wall-clock timeout, force-kills it and removes it.
// It knows nothing about tasks or sessions; the executor package decides
// what to run and guarantees removal.
//
// Three runtimes are provided: DockerRuntime talks to the Docker Engine API,
// CLIRuntime drives the podman (or docker) command line and LocalRuntime
// runs commands on the host for development.
//
// Usage:
//
//	rt, err := sandbox.NewRuntime(logger, cfg)
//	h, err := rt.Create(ctx, sandbox.Spec{
//	    Image:        "pyexec-base",
//	    Command:      []string{"python", "main.py"},
//	    WorkspaceDir: "/tmp/sessions/s1",
//	    MountPath:    "/app",
//	    MemoryMB:     256,
//	})
//	defer rt.Remove(context.Background(), h)
//	res, err := rt.Run(ctx, h, 30*time.Second)
package sandbox
