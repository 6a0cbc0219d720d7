// Package installer drives delegated package-install sessions against a
// privileged installer Service.
//
// A transaction creates a session under the caller's identity, streams the
// artifacts into it one at a time, commits it and waits for the service's
// asynchronous result callback:
//
//	b := installer.NewBroker(svc, identity.NewContext(id))
//	e := installer.NewTransferEngine(cfg.Transfer())
//	inst := installer.NewInstaller(b, e, nil, cfg.CommitTimeout)
//	rep, err := inst.Install(ctx, installer.Request{Flags: installer.FlagReplaceExisting, Artifacts: arts})
//
// Every session ends Committed, Abandoned or Failed, with one exception: a
// session whose commit outcome never arrived stays Committing and is marked
// for manual cleanup through a Registry.
package installer
