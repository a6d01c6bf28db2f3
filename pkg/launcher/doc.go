// Package launcher prepares project directories from templates and runs
// dev servers as detached, tagged child processes.
//
// # Templates
//
// A template is a directory holding template.yaml:
//
//	name: default
//	description: Vite + React starter
//	source: ./files          # directory or archive, relative to the manifest
//	command: ["npm", "run", "dev", "--", "--port", "{{port}}", "--strictPort"]
//	env:
//	  BROWSER: none
//	ready_timeout: 60s
//
// Registry discovers every template below a root directory and Watcher
// reloads it when manifests change.
//
// # Spawning
//
// Spawner.Spawn copies or extracts the template source into the project
// directory, starts the command in its own process group with PORT set,
// and waits for it to accept connections:
//
//	spawner := launcher.NewSpawner(registry, launcher.WithLogger(logger))
//	proc, err := spawner.Spawn(ctx, launcher.SpawnRequest{
//	    Template:   "default",
//	    Name:       "blog",
//	    Port:       3001,
//	    Dir:        "/var/lib/zenbu/projects/ab12cd34",
//	    Role:       procmgr.RoleAssigned,
//	    InstanceID: "ab12cd34",
//	})
//
// argv[0] of the child is replaced by its title tag (see procmgr.EncodeTitle)
// so a restarted daemon can find it again in the OS process list.
//
// # Termination
//
// Spawner.Terminate sends SIGTERM to the process group, waits for the grace
// period, then sends SIGKILL.
//
// # Errors
//
// Failures are returned as *LauncherError carrying a code, context and a
// suggestion:
//
//	if launcher.IsErrorCode(err, launcher.ErrorCodeNoPortAvailable) {
//	    fmt.Println(launcher.GetSuggestion(err))
//	}
package launcher
