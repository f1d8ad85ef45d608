/*
Package executor builds and runs single jobs.

Factory.Build turns a JobScope into an ExecutionTarget: the builders that
prepare the job work directory, the Executor that runs the script and the
finalizers that collect what it produced. The runner drives the three
phases and maps the Result to a job status; executors never interpret exit
codes.

	<run_dir>/<job_id>/
	  config.json        resolved config and job params (ansible, python)
	  inventory.json     ansible inventory
	  ansible.cfg        generated when the bundle ships none
	  tmp/
	  <type>-stdout.txt
	  <type>-stderr.txt
	  check.json         optional, collected as a check log
	  custom-logs/       optional *.txt and *.json, collected as custom logs

Ansible and python jobs run in their own process group so Terminate reaches
every child. Internal jobs are registered Go functions; they only get
their log files.
*/
package executor
