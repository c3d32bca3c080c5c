/*
Package ddnsync keeps DNS address records at a provider equal to this host's public IP.

Usage will always start with [ddnsync.New],
which takes a validated [Config] and returns a [Reconciler].
The Reconciler resolves the public IP through a [Resolver],
compares it with the last address it successfully applied,
and creates or updates every configured [Target] through a [Provider].

The default resolver asks a list of public IP echo services in order ([WebResolver]).
Hosts that hold their public address directly can use [InterfaceResolver] instead.

[Reconciler.RunOnce] performs a single pass, optionally forced.
[Reconciler.Run] repeats passes on the configured check interval until its context is cancelled,
and a [Watcher] started next to it reloads the configuration file while it runs.
*/
package ddnsync
