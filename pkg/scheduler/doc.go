/*
Package scheduler places Pending VMs onto Online nodes.

Every 5 seconds (or on demand via Schedule) it runs a feasibility filter
over each Online node — overcommit-adjusted capacity from the
performance and capacity packages, a GPU check, a utilization ceiling,
a minimum free-memory floor — then scores the surviving candidates with
a weighted sum of capacity, load, reputation and locality factors.
The winner has resources reserved on its Node record before the VM
moves to Scheduling and a CreateVm command is handed to the configured
Dispatcher. A VM with no feasible node stays Pending with a
"Waiting for available resources" message and is retried on the next
cycle.
*/
package scheduler
